package storage

// The two schemas below describe the same model; they differ only in
// key/type spelling. Keep them in lockstep.
//
// Conventions:
//   - instants (stored, ts, updated, created) are fixed-width UTC
//     RFC 3339 nanosecond TEXT, so string order is time order;
//   - fingerprints are xxhash64 values carried as signed 64-bit ints;
//   - ifis.value holds the normalized IFI (accounts as homePage|name);
//   - document dimensions use sentinel '' / 0 instead of NULL so the
//     composite unique key compares absent dimensions as equal.

const postgresSchema = `
CREATE TABLE IF NOT EXISTS ifis (
	id    BIGSERIAL PRIMARY KEY,
	kind  SMALLINT NOT NULL,
	value TEXT NOT NULL,
	UNIQUE (kind, value)
);

CREATE TABLE IF NOT EXISTS actors (
	id          BIGSERIAL PRIMARY KEY,
	fingerprint BIGINT NOT NULL UNIQUE,
	name        TEXT,
	is_group    BOOLEAN NOT NULL DEFAULT FALSE,
	canonical   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS actor_ifis (
	actor_id BIGINT NOT NULL REFERENCES actors(id),
	ifi_id   BIGINT NOT NULL REFERENCES ifis(id),
	UNIQUE (actor_id, ifi_id)
);
CREATE INDEX IF NOT EXISTS idx_actor_ifis_ifi ON actor_ifis (ifi_id);

CREATE TABLE IF NOT EXISTS actor_members (
	group_id  BIGINT NOT NULL REFERENCES actors(id),
	member_id BIGINT NOT NULL REFERENCES actors(id),
	ord       SMALLINT NOT NULL DEFAULT 0,
	UNIQUE (group_id, member_id)
);
CREATE INDEX IF NOT EXISTS idx_actor_members_member ON actor_members (member_id);

CREATE TABLE IF NOT EXISTS verbs (
	id      BIGSERIAL PRIMARY KEY,
	iri     TEXT NOT NULL UNIQUE,
	display TEXT
);

CREATE TABLE IF NOT EXISTS activities (
	id         BIGSERIAL PRIMARY KEY,
	iri        TEXT NOT NULL UNIQUE,
	definition TEXT
);

CREATE TABLE IF NOT EXISTS statements (
	seq          BIGSERIAL PRIMARY KEY,
	id           TEXT UNIQUE,
	fingerprint  BIGINT NOT NULL,
	canon        TEXT NOT NULL,
	actor_id     BIGINT NOT NULL REFERENCES actors(id),
	verb_id      BIGINT NOT NULL REFERENCES verbs(id),
	object_kind  SMALLINT NOT NULL,
	registration TEXT,
	authority_id BIGINT REFERENCES actors(id),
	version      TEXT NOT NULL,
	ts           TEXT NOT NULL,
	stored       TEXT NOT NULL,
	voided       BOOLEAN NOT NULL DEFAULT FALSE,
	is_voiding   BOOLEAN NOT NULL DEFAULT FALSE,
	is_sub       BOOLEAN NOT NULL DEFAULT FALSE,
	exact        TEXT NOT NULL,
	result       TEXT,
	context      TEXT
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_statements_fingerprint ON statements (fingerprint) WHERE NOT is_sub;
CREATE INDEX IF NOT EXISTS idx_statements_stored ON statements (stored, seq);
CREATE INDEX IF NOT EXISTS idx_statements_actor ON statements (actor_id);
CREATE INDEX IF NOT EXISTS idx_statements_verb ON statements (verb_id);
CREATE INDEX IF NOT EXISTS idx_statements_registration ON statements (registration);

CREATE TABLE IF NOT EXISTS statement_object_activities (
	statement_seq BIGINT NOT NULL REFERENCES statements(seq),
	activity_id   BIGINT NOT NULL REFERENCES activities(id),
	UNIQUE (statement_seq, activity_id)
);
CREATE INDEX IF NOT EXISTS idx_soa_activity ON statement_object_activities (activity_id);

CREATE TABLE IF NOT EXISTS statement_object_actors (
	statement_seq BIGINT NOT NULL REFERENCES statements(seq),
	actor_id      BIGINT NOT NULL REFERENCES actors(id),
	UNIQUE (statement_seq, actor_id)
);
CREATE INDEX IF NOT EXISTS idx_soactor_actor ON statement_object_actors (actor_id);

CREATE TABLE IF NOT EXISTS statement_object_refs (
	statement_seq BIGINT NOT NULL UNIQUE REFERENCES statements(seq),
	ref_id        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sor_ref ON statement_object_refs (ref_id);

CREATE TABLE IF NOT EXISTS statement_object_subs (
	statement_seq BIGINT NOT NULL UNIQUE REFERENCES statements(seq),
	sub_seq       BIGINT NOT NULL REFERENCES statements(seq)
);

CREATE TABLE IF NOT EXISTS statement_context_activities (
	statement_seq BIGINT NOT NULL REFERENCES statements(seq),
	activity_id   BIGINT NOT NULL REFERENCES activities(id),
	bucket        SMALLINT NOT NULL,
	UNIQUE (statement_seq, activity_id, bucket)
);
CREATE INDEX IF NOT EXISTS idx_sca_activity ON statement_context_activities (activity_id);

CREATE TABLE IF NOT EXISTS statement_context_actors (
	statement_seq BIGINT NOT NULL REFERENCES statements(seq),
	actor_id      BIGINT NOT NULL REFERENCES actors(id),
	role          SMALLINT NOT NULL,
	UNIQUE (statement_seq, actor_id, role)
);
CREATE INDEX IF NOT EXISTS idx_sctxa_actor ON statement_context_actors (actor_id);

CREATE TABLE IF NOT EXISTS statement_attachments (
	statement_seq BIGINT NOT NULL REFERENCES statements(seq),
	ord           SMALLINT NOT NULL,
	sha2          TEXT NOT NULL,
	usage_type    TEXT NOT NULL,
	content_type  TEXT NOT NULL,
	length        BIGINT NOT NULL,
	file_url      TEXT,
	canonical     TEXT NOT NULL,
	UNIQUE (statement_seq, ord)
);
CREATE INDEX IF NOT EXISTS idx_sa_sha2 ON statement_attachments (sha2);

CREATE TABLE IF NOT EXISTS documents (
	id           BIGSERIAL PRIMARY KEY,
	kind         SMALLINT NOT NULL,
	activity_iri TEXT NOT NULL DEFAULT '',
	agent_fp     BIGINT NOT NULL DEFAULT 0,
	registration TEXT NOT NULL DEFAULT '',
	doc_id       TEXT NOT NULL,
	content_type TEXT NOT NULL,
	content      BYTEA NOT NULL,
	etag         TEXT NOT NULL,
	updated      TEXT NOT NULL,
	UNIQUE (kind, activity_iri, agent_fp, registration, doc_id)
);

CREATE TABLE IF NOT EXISTS credentials (
	id          BIGSERIAL PRIMARY KEY,
	api_key     TEXT NOT NULL UNIQUE,
	secret_hash TEXT NOT NULL,
	label       TEXT NOT NULL DEFAULT '',
	disabled    BOOLEAN NOT NULL DEFAULT FALSE,
	created     TEXT NOT NULL
);
`

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS ifis (
	id    INTEGER PRIMARY KEY AUTOINCREMENT,
	kind  INTEGER NOT NULL,
	value TEXT NOT NULL,
	UNIQUE (kind, value)
);

CREATE TABLE IF NOT EXISTS actors (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	fingerprint INTEGER NOT NULL UNIQUE,
	name        TEXT,
	is_group    INTEGER NOT NULL DEFAULT 0,
	canonical   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS actor_ifis (
	actor_id INTEGER NOT NULL REFERENCES actors(id),
	ifi_id   INTEGER NOT NULL REFERENCES ifis(id),
	UNIQUE (actor_id, ifi_id)
);
CREATE INDEX IF NOT EXISTS idx_actor_ifis_ifi ON actor_ifis (ifi_id);

CREATE TABLE IF NOT EXISTS actor_members (
	group_id  INTEGER NOT NULL REFERENCES actors(id),
	member_id INTEGER NOT NULL REFERENCES actors(id),
	ord       INTEGER NOT NULL DEFAULT 0,
	UNIQUE (group_id, member_id)
);
CREATE INDEX IF NOT EXISTS idx_actor_members_member ON actor_members (member_id);

CREATE TABLE IF NOT EXISTS verbs (
	id      INTEGER PRIMARY KEY AUTOINCREMENT,
	iri     TEXT NOT NULL UNIQUE,
	display TEXT
);

CREATE TABLE IF NOT EXISTS activities (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	iri        TEXT NOT NULL UNIQUE,
	definition TEXT
);

CREATE TABLE IF NOT EXISTS statements (
	seq          INTEGER PRIMARY KEY AUTOINCREMENT,
	id           TEXT UNIQUE,
	fingerprint  INTEGER NOT NULL,
	canon        TEXT NOT NULL,
	actor_id     INTEGER NOT NULL REFERENCES actors(id),
	verb_id      INTEGER NOT NULL REFERENCES verbs(id),
	object_kind  INTEGER NOT NULL,
	registration TEXT,
	authority_id INTEGER REFERENCES actors(id),
	version      TEXT NOT NULL,
	ts           TEXT NOT NULL,
	stored       TEXT NOT NULL,
	voided       INTEGER NOT NULL DEFAULT 0,
	is_voiding   INTEGER NOT NULL DEFAULT 0,
	is_sub       INTEGER NOT NULL DEFAULT 0,
	exact        TEXT NOT NULL,
	result       TEXT,
	context      TEXT
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_statements_fingerprint ON statements (fingerprint) WHERE NOT is_sub;
CREATE INDEX IF NOT EXISTS idx_statements_stored ON statements (stored, seq);
CREATE INDEX IF NOT EXISTS idx_statements_actor ON statements (actor_id);
CREATE INDEX IF NOT EXISTS idx_statements_verb ON statements (verb_id);
CREATE INDEX IF NOT EXISTS idx_statements_registration ON statements (registration);

CREATE TABLE IF NOT EXISTS statement_object_activities (
	statement_seq INTEGER NOT NULL REFERENCES statements(seq),
	activity_id   INTEGER NOT NULL REFERENCES activities(id),
	UNIQUE (statement_seq, activity_id)
);
CREATE INDEX IF NOT EXISTS idx_soa_activity ON statement_object_activities (activity_id);

CREATE TABLE IF NOT EXISTS statement_object_actors (
	statement_seq INTEGER NOT NULL REFERENCES statements(seq),
	actor_id      INTEGER NOT NULL REFERENCES actors(id),
	UNIQUE (statement_seq, actor_id)
);
CREATE INDEX IF NOT EXISTS idx_soactor_actor ON statement_object_actors (actor_id);

CREATE TABLE IF NOT EXISTS statement_object_refs (
	statement_seq INTEGER NOT NULL UNIQUE REFERENCES statements(seq),
	ref_id        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sor_ref ON statement_object_refs (ref_id);

CREATE TABLE IF NOT EXISTS statement_object_subs (
	statement_seq INTEGER NOT NULL UNIQUE REFERENCES statements(seq),
	sub_seq       INTEGER NOT NULL REFERENCES statements(seq)
);

CREATE TABLE IF NOT EXISTS statement_context_activities (
	statement_seq INTEGER NOT NULL REFERENCES statements(seq),
	activity_id   INTEGER NOT NULL REFERENCES activities(id),
	bucket        INTEGER NOT NULL,
	UNIQUE (statement_seq, activity_id, bucket)
);
CREATE INDEX IF NOT EXISTS idx_sca_activity ON statement_context_activities (activity_id);

CREATE TABLE IF NOT EXISTS statement_context_actors (
	statement_seq INTEGER NOT NULL REFERENCES statements(seq),
	actor_id      INTEGER NOT NULL REFERENCES actors(id),
	role          INTEGER NOT NULL,
	UNIQUE (statement_seq, actor_id, role)
);
CREATE INDEX IF NOT EXISTS idx_sctxa_actor ON statement_context_actors (actor_id);

CREATE TABLE IF NOT EXISTS statement_attachments (
	statement_seq INTEGER NOT NULL REFERENCES statements(seq),
	ord           INTEGER NOT NULL,
	sha2          TEXT NOT NULL,
	usage_type    TEXT NOT NULL,
	content_type  TEXT NOT NULL,
	length        INTEGER NOT NULL,
	file_url      TEXT,
	canonical     TEXT NOT NULL,
	UNIQUE (statement_seq, ord)
);
CREATE INDEX IF NOT EXISTS idx_sa_sha2 ON statement_attachments (sha2);

CREATE TABLE IF NOT EXISTS documents (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	kind         INTEGER NOT NULL,
	activity_iri TEXT NOT NULL DEFAULT '',
	agent_fp     INTEGER NOT NULL DEFAULT 0,
	registration TEXT NOT NULL DEFAULT '',
	doc_id       TEXT NOT NULL,
	content_type TEXT NOT NULL,
	content      BLOB NOT NULL,
	etag         TEXT NOT NULL,
	updated      TEXT NOT NULL,
	UNIQUE (kind, activity_iri, agent_fp, registration, doc_id)
);

CREATE TABLE IF NOT EXISTS credentials (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	api_key     TEXT NOT NULL UNIQUE,
	secret_hash TEXT NOT NULL,
	label       TEXT NOT NULL DEFAULT '',
	disabled    INTEGER NOT NULL DEFAULT 0,
	created     TEXT NOT NULL
);
`
