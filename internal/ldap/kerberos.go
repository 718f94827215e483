package ldap

import (
	"fmt"
	"os"
	"strings"

	"github.com/go-ldap/ldap/v3"
	"github.com/go-ldap/ldap/v3/gssapi"
	krb5client "github.com/jcmturner/gokrb5/v8/client"

	"github.com/isometry/dirmand/internal/direrr"
)

// kerberosBind performs a GSSAPI bind on a fresh connection. The principal
// is taken from BindDN (optionally "principal@REALM"); credentials are
// resolved in priority order: credential cache, keytab, password.
func kerberosBind(conn *ldap.Conn, cfg *Config, host string) error {
	principal, realm, err := kerberosIdentity(cfg)
	if err != nil {
		return err
	}

	client, err := createGSSAPIClient(cfg, principal, realm)
	if err != nil {
		return direrr.Wrap(direrr.KindBindFailed, "ldap.gssapi", "", err)
	}
	defer func() {
		_ = client.DeleteSecContext()
	}()

	spn := cfg.KerberosSPN
	if spn == "" {
		spn = buildServicePrincipal(host)
	}

	if err := conn.GSSAPIBind(client, spn, ""); err != nil {
		return direrr.Wrapf(direrr.KindBindFailed, "ldap.gssapi", "", err, "GSSAPI bind as %s failed", principal)
	}
	return nil
}

// kerberosIdentity resolves the principal and realm. A realm embedded in the
// principal wins over the configured one.
func kerberosIdentity(cfg *Config) (principal, realm string, err error) {
	principal = cfg.BindDN
	realm = cfg.KerberosRealm
	if at := strings.LastIndex(principal, "@"); at >= 0 {
		realm = principal[at+1:]
		principal = principal[:at]
	}
	if principal == "" {
		return "", "", direrr.New(direrr.KindConfigInvalid, "ldap.gssapi", "",
			"a principal is required for kerberos bind (set bindDn)")
	}
	if realm == "" {
		return "", "", direrr.New(direrr.KindConfigInvalid, "ldap.gssapi", "",
			"kerberos realm is required (set kerberosRealm or use principal@REALM)")
	}
	return principal, realm, nil
}

// createGSSAPIClient builds the gokrb5-backed GSSAPI client from whichever
// credentials are available.
func createGSSAPIClient(cfg *Config, principal, realm string) (ldap.GSSAPIClient, error) {
	krb5conf := cfg.KerberosConfig
	if krb5conf == "" {
		krb5conf = "/etc/krb5.conf"
	}
	if !fileExists(krb5conf) {
		return nil, fmt.Errorf("kerberos configuration file %s not found (set kerberosConfig)", krb5conf)
	}

	if cfg.KerberosCCache != "" && fileExists(cfg.KerberosCCache) {
		return gssapi.NewClientFromCCache(cfg.KerberosCCache, krb5conf, krb5client.DisablePAFXFAST(true))
	}
	if ccache := defaultCCachePath(); fileExists(ccache) {
		return gssapi.NewClientFromCCache(ccache, krb5conf, krb5client.DisablePAFXFAST(true))
	}
	if cfg.KerberosKeytab != "" && fileExists(cfg.KerberosKeytab) {
		return gssapi.NewClientWithKeytab(principal, realm, cfg.KerberosKeytab, krb5conf, krb5client.DisablePAFXFAST(true))
	}
	if keytab := defaultKeytabPath(); fileExists(keytab) {
		return gssapi.NewClientWithKeytab(principal, realm, keytab, krb5conf, krb5client.DisablePAFXFAST(true))
	}
	if cfg.BindPassword != "" {
		return gssapi.NewClientWithPassword(principal, realm, cfg.BindPassword, krb5conf, krb5client.DisablePAFXFAST(true))
	}
	return nil, fmt.Errorf("no kerberos credentials found: provide kerberosCcache, kerberosKeytab or bindPassword")
}

// buildServicePrincipal derives the LDAP SPN from the server host, without
// a port.
func buildServicePrincipal(host string) string {
	if colon := strings.Index(host, ":"); colon >= 0 {
		host = host[:colon]
	}
	return "ldap/" + host
}

// defaultCCachePath returns the credential cache the environment points at,
// or the conventional per-uid location.
func defaultCCachePath() string {
	if ccache := os.Getenv("KRB5CCNAME"); ccache != "" {
		return strings.TrimPrefix(ccache, "FILE:")
	}
	return fmt.Sprintf("/tmp/krb5cc_%d", os.Getuid())
}

// defaultKeytabPath returns the keytab the environment points at, or the
// system default.
func defaultKeytabPath() string {
	if keytab := os.Getenv("KRB5_KTNAME"); keytab != "" {
		return strings.TrimPrefix(keytab, "FILE:")
	}
	return "/etc/krb5.keytab"
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	_ = f.Close()
	return true
}
