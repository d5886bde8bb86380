package xapi

import (
	"strings"

	"github.com/traceworks-io/openlrs/pkg/canonical"
)

// IFIKind discriminates the four inverse functional identifier flavors.
// The values are persisted; do not reorder.
type IFIKind int16

const (
	IFIMbox IFIKind = iota
	IFIMboxSHA1
	IFIOpenID
	IFIAccount
)

// accountSep joins homePage and name into one index value. "|" cannot
// occur unencoded in an IRI, so the composite is unambiguous.
const accountSep = "|"

// IFI is an inverse functional identifier in canonical text form: the key
// the identity index stores and matches on.
type IFI struct {
	Kind  IFIKind
	Value string
}

// AccountIFI builds the canonical account IFI value.
func AccountIFI(homePage, name string) IFI {
	return IFI{Kind: IFIAccount, Value: canonical.NormalizeIRI(homePage) + accountSep + name}
}

// AccountParts splits an account IFI back into homePage and name.
func (i IFI) AccountParts() (homePage, name string, ok bool) {
	if i.Kind != IFIAccount {
		return "", "", false
	}
	homePage, name, ok = strings.Cut(i.Value, accountSep)
	return
}

// IFI returns the actor's canonicalized identifier. ok is false for
// anonymous groups.
func (a *Actor) IFI() (IFI, bool) {
	switch {
	case a.Mbox != nil:
		return IFI{Kind: IFIMbox, Value: canonical.NormalizeMailto(*a.Mbox)}, true
	case a.MboxSHA1 != nil:
		return IFI{Kind: IFIMboxSHA1, Value: strings.ToLower(*a.MboxSHA1)}, true
	case a.OpenID != nil:
		return IFI{Kind: IFIOpenID, Value: canonical.NormalizeIRI(*a.OpenID)}, true
	case a.Account != nil:
		return AccountIFI(a.Account.HomePage, a.Account.Name), true
	}
	return IFI{}, false
}
