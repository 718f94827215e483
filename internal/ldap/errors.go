package ldap

import (
	"errors"

	"github.com/go-ldap/ldap/v3"

	"github.com/isometry/dirmand/internal/direrr"
)

// classify converts a wire error into the shared taxonomy. The LDAP result
// code decides the kind; anything unrecognized is an I/O failure.
func classify(op, dn string, err error) error {
	if err == nil {
		return nil
	}

	var le *ldap.Error
	if !errors.As(err, &le) {
		return direrr.Wrap(direrr.KindIOFailed, op, dn, err)
	}

	switch le.ResultCode {
	case ldap.LDAPResultNoSuchObject:
		return direrr.Wrapf(direrr.KindNotFound, op, dn, err, "entry does not exist")

	case ldap.LDAPResultEntryAlreadyExists:
		return direrr.Wrapf(direrr.KindConstraint, op, dn, err, "entry already exists")

	case ldap.LDAPResultConstraintViolation,
		ldap.LDAPResultAttributeOrValueExists,
		ldap.LDAPResultInvalidAttributeSyntax,
		ldap.LDAPResultNoSuchAttribute,
		ldap.LDAPResultUndefinedAttributeType,
		ldap.LDAPResultNamingViolation,
		ldap.LDAPResultObjectClassViolation,
		ldap.LDAPResultNotAllowedOnNonLeaf,
		ldap.LDAPResultNotAllowedOnRDN,
		ldap.LDAPResultObjectClassModsProhibited,
		ldap.LDAPResultInvalidDNSyntax,
		ldap.LDAPResultUnwillingToPerform:
		return direrr.Wrapf(direrr.KindConstraint, op, dn, err,
			"directory rejected the operation: %s", ldap.LDAPResultCodeMap[le.ResultCode])

	case ldap.LDAPResultInvalidCredentials,
		ldap.LDAPResultInappropriateAuthentication,
		ldap.LDAPResultAuthMethodNotSupported,
		ldap.LDAPResultStrongAuthRequired:
		return direrr.Wrapf(direrr.KindBindFailed, op, dn, err,
			"bind rejected: %s", ldap.LDAPResultCodeMap[le.ResultCode])

	case ldap.LDAPResultInsufficientAccessRights:
		return direrr.Wrapf(direrr.KindPermissionDenied, op, dn, err,
			"directory denied access")

	default:
		return direrr.Wrap(direrr.KindIOFailed, op, dn, err)
	}
}

// isStaleConn reports whether the error indicates a dead connection worth
// discarding and retrying once on a fresh one.
func isStaleConn(err error) bool {
	return err != nil && ldap.IsErrorWithCode(err, ldap.ErrorNetwork)
}
