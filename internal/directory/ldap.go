package directory

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"
)

// PageSize bounds every paged user search.
const PageSize = 500

// Conn is a bound directory connection.
type Conn interface {
	SearchUsers(ctx context.Context, cfg Config) ([]Entry, error)
	FindUser(ctx context.Context, cfg Config, username string) (Entry, error)
	SearchGroups(ctx context.Context, cfg Config) ([]Group, error)
	// Bind re-binds the connection as dn, verifying password.
	Bind(dn, password string) error
	Close() error
}

// Dialer opens a connection bound with the config's service account.
type Dialer interface {
	Dial(ctx context.Context, cfg Config, bindPassword string) (Conn, error)
}

// LDAPDialer dials real LDAP servers.
type LDAPDialer struct {
	Timeout time.Duration
}

func (d LDAPDialer) Dial(ctx context.Context, cfg Config, bindPassword string) (Conn, error) {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	u, err := url.Parse(cfg.ServerURL)
	if err != nil {
		return nil, fmt.Errorf("%w: server_url: %v", ErrInvalidInput, err)
	}
	tlsConfig := &tls.Config{
		ServerName:         u.Hostname(),
		InsecureSkipVerify: !cfg.VerifySSL, //nolint:gosec // per-config opt-out
	}
	dialURL := cfg.ServerURL
	if cfg.UseSSL && u.Scheme == "ldap" {
		dialURL = "ldaps://" + u.Host
	}
	conn, err := ldap.DialURL(dialURL,
		ldap.DialWithDialer(&net.Dialer{Timeout: timeout}),
		ldap.DialWithTLSConfig(tlsConfig),
	)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.ServerURL, err)
	}
	conn.SetTimeout(timeout)
	if cfg.UseStartTLS && !strings.HasPrefix(dialURL, "ldaps://") {
		if err := conn.StartTLS(tlsConfig); err != nil {
			conn.Close()
			return nil, fmt.Errorf("starttls: %w", err)
		}
	}
	if cfg.BindDN != "" {
		err = conn.Bind(cfg.BindDN, bindPassword)
	} else {
		err = conn.UnauthenticatedBind("")
	}
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("bind: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetTimeout(time.Until(deadline))
	}
	return &ldapConn{conn: conn}, nil
}

type ldapConn struct {
	conn *ldap.Conn
}

func userAttributes(cfg Config) []string {
	return []string{cfg.UsernameAttribute, cfg.EmailAttribute, cfg.DisplayNameAttribute, cfg.MemberOfAttribute}
}

func (c *ldapConn) SearchUsers(ctx context.Context, cfg Config) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	req := ldap.NewSearchRequest(cfg.UserBase(), ldap.ScopeWholeSubtree, ldap.NeverDerefAliases,
		0, 0, false, cfg.UserSearchFilter, userAttributes(cfg), nil)
	res, err := c.conn.SearchWithPaging(req, PageSize)
	if err != nil {
		return nil, fmt.Errorf("search users: %w", err)
	}
	out := make([]Entry, 0, len(res.Entries))
	for _, e := range res.Entries {
		out = append(out, toEntry(cfg, e))
	}
	return out, nil
}

func (c *ldapConn) FindUser(ctx context.Context, cfg Config, username string) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}
	filter := fmt.Sprintf("(&%s(%s=%s))", cfg.UserSearchFilter, cfg.UsernameAttribute, ldap.EscapeFilter(username))
	req := ldap.NewSearchRequest(cfg.UserBase(), ldap.ScopeWholeSubtree, ldap.NeverDerefAliases,
		2, 0, false, filter, userAttributes(cfg), nil)
	res, err := c.conn.Search(req)
	if err != nil && !ldap.IsErrorWithCode(err, ldap.LDAPResultSizeLimitExceeded) {
		return Entry{}, fmt.Errorf("find user: %w", err)
	}
	if res == nil || len(res.Entries) == 0 {
		return Entry{}, ErrUserNotFound
	}
	if len(res.Entries) > 1 {
		return Entry{}, fmt.Errorf("find user: %q is ambiguous", username)
	}
	return toEntry(cfg, res.Entries[0]), nil
}

func (c *ldapConn) SearchGroups(ctx context.Context, cfg Config) ([]Group, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	req := ldap.NewSearchRequest(cfg.GroupBase(), ldap.ScopeWholeSubtree, ldap.NeverDerefAliases,
		0, 0, false, cfg.GroupSearchFilter, []string{cfg.GroupNameAttribute, "description"}, nil)
	res, err := c.conn.SearchWithPaging(req, PageSize)
	if err != nil {
		return nil, fmt.Errorf("search groups: %w", err)
	}
	out := make([]Group, 0, len(res.Entries))
	for _, e := range res.Entries {
		out = append(out, Group{
			DN:          e.DN,
			Name:        e.GetAttributeValue(cfg.GroupNameAttribute),
			Description: e.GetAttributeValue("description"),
		})
	}
	return out, nil
}

func (c *ldapConn) Bind(dn, password string) error {
	if password == "" {
		// An empty password would be an unauthenticated bind that always succeeds.
		return errors.New("empty password")
	}
	return c.conn.Bind(dn, password)
}

func (c *ldapConn) Close() error {
	c.conn.Close()
	return nil
}

func toEntry(cfg Config, e *ldap.Entry) Entry {
	return Entry{
		DN:          e.DN,
		Username:    strings.TrimSpace(e.GetAttributeValue(cfg.UsernameAttribute)),
		Email:       strings.TrimSpace(e.GetAttributeValue(cfg.EmailAttribute)),
		DisplayName: strings.TrimSpace(e.GetAttributeValue(cfg.DisplayNameAttribute)),
		Groups:      e.GetAttributeValues(cfg.MemberOfAttribute),
	}
}
