package upstream

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/singleflight"

	"fabricgate.org/internal/obs"
)

const (
	DefaultTimeout       = 30 * time.Second
	DefaultSessionTTL    = 20 * time.Minute
	DefaultRetryAttempts = 3
	DefaultBackoffBase   = 200 * time.Millisecond
	DefaultBackoffMax    = 2 * time.Second

	refreshWindow = time.Minute
	maxBodyBytes  = 32 << 20
)

// Decrypter opens stored cluster passwords.
type Decrypter interface {
	Decrypt(sealed string) (string, error)
}

// Request is one call against a cluster. Path already includes the namespace prefix.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Body   []byte
}

// Response is an upstream reply. Body is always JSON: non-JSON payloads are
// wrapped as {"data": text, "status_code": N}.
type Response struct {
	StatusCode int
	Body       json.RawMessage
	Duration   time.Duration
}

type credentials struct {
	token      string
	cookies    []*http.Cookie
	generation uint64
}

type session struct {
	mu         sync.Mutex
	state      State
	token      string
	cookies    []*http.Cookie
	expiresAt  time.Time
	generation uint64
}

func (s *session) stateAt(now time.Time) State {
	if s.state == Active && !s.expiresAt.IsZero() && now.After(s.expiresAt.Add(-refreshWindow)) {
		return Expiring
	}
	return s.state
}

// Manager owns one session per cluster and executes requests through it.
type Manager struct {
	secure   *http.Client
	insecure *http.Client
	vault    Decrypter

	timeout     time.Duration
	sessionTTL  time.Duration
	attempts    int
	backoffBase time.Duration
	backoffMax  time.Duration

	now func() time.Time

	mu       sync.Mutex
	sessions map[string]*session
	logins   singleflight.Group
}

// Option configures a Manager.
type Option func(*Manager)

// WithHTTPClient uses c for every cluster regardless of its TLS setting.
func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) {
		if c != nil {
			m.secure = c
			m.insecure = c
		}
	}
}

func WithTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.timeout = d
		}
	}
}

func WithSessionTTL(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.sessionTTL = d
		}
	}
}

// WithRetry sets the attempt budget for reads and the backoff bounds.
func WithRetry(attempts int, base, max time.Duration) Option {
	return func(m *Manager) {
		if attempts > 0 {
			m.attempts = attempts
		}
		if base > 0 {
			m.backoffBase = base
		}
		if max > 0 {
			m.backoffMax = max
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

func NewManager(vault Decrypter, opts ...Option) (*Manager, error) {
	if vault == nil {
		return nil, errors.New("vault is required")
	}
	insecureTransport := http.DefaultTransport.(*http.Transport).Clone()
	insecureTransport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // per-cluster opt-out
	m := &Manager{
		secure:      &http.Client{},
		insecure:    &http.Client{Transport: insecureTransport},
		vault:       vault,
		timeout:     DefaultTimeout,
		sessionTTL:  DefaultSessionTTL,
		attempts:    DefaultRetryAttempts,
		backoffBase: DefaultBackoffBase,
		backoffMax:  DefaultBackoffMax,
		now:         time.Now,
		sessions:    map[string]*session{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// State reports the session state of a cluster.
func (m *Manager) State(clusterID string) State {
	m.mu.Lock()
	s, ok := m.sessions[clusterID]
	m.mu.Unlock()
	if !ok {
		return Unauthenticated
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateAt(m.now())
}

// Disable moves the cluster's session to the terminal Disabled state.
func (m *Manager) Disable(clusterID string) {
	s := m.session(clusterID)
	s.mu.Lock()
	s.state = Disabled
	s.token = ""
	s.cookies = nil
	s.mu.Unlock()
}

// Forget drops the cluster's session so the next call logs in afresh.
func (m *Manager) Forget(clusterID string) {
	m.mu.Lock()
	delete(m.sessions, clusterID)
	m.mu.Unlock()
}

func (m *Manager) session(clusterID string) *session {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[clusterID]
	if !ok {
		s = &session{state: Unauthenticated}
		m.sessions[clusterID] = s
	}
	return s
}

// Execute runs req against cluster, logging in first when the session is not
// usable. A 401 triggers exactly one re-authentication and replay, which does
// not count against the retry budget. GET requests retry transport failures
// and 5xx responses with exponential backoff; other methods are sent once.
func (m *Manager) Execute(ctx context.Context, cluster Cluster, req Request) (Response, error) {
	if !cluster.Active {
		m.Disable(cluster.ID)
		return Response{}, ErrClusterDisabled
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}
	req.Method = method

	sess := m.session(cluster.ID)
	m.enable(sess)
	creds, err := m.ensure(ctx, cluster, sess)
	if err != nil {
		return Response{}, err
	}

	tries := uint(1)
	if method == http.MethodGet {
		tries = uint(m.attempts)
	}
	reauthenticated := false
	log := obs.Logger()

	var last Response
	call := func() (Response, error) {
		for {
			start := m.now()
			status, body, err := m.send(ctx, cluster, creds, req)
			elapsed := m.now().Sub(start)
			obs.ObserveUpstreamCall(cluster.Name, method, elapsed)

			if err != nil {
				if isTimeout(ctx, err) {
					return Response{}, backoff.Permanent(fmt.Errorf("%w: %s %s", ErrUpstreamTimeout, method, req.Path))
				}
				if errors.Is(err, context.Canceled) || method != http.MethodGet {
					return Response{}, backoff.Permanent(err)
				}
				return Response{}, err
			}

			if status == http.StatusUnauthorized {
				m.invalidate(sess, creds.generation)
				if reauthenticated {
					return Response{}, backoff.Permanent(ErrUpstreamAuth)
				}
				reauthenticated = true
				log.Warn().Str("cluster", cluster.Name).Msg("upstream session rejected, re-authenticating")
				if creds, err = m.ensure(ctx, cluster, sess); err != nil {
					return Response{}, backoff.Permanent(err)
				}
				continue
			}

			last = Response{StatusCode: status, Body: wrapBody(status, body), Duration: elapsed}
			statusErr := &StatusError{StatusCode: status, Body: last.Body}
			switch {
			case status >= 500 && method == http.MethodGet:
				return last, statusErr
			case status >= 400:
				return last, backoff.Permanent(statusErr)
			}
			return last, nil
		}
	}

	resp, err := backoff.Retry(ctx, call,
		backoff.WithBackOff(m.backoffPolicy()),
		backoff.WithMaxTries(tries),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Warn().Err(err).Str("cluster", cluster.Name).Dur("backoff", next).Msg("upstream read failed, retrying")
		}),
	)
	if err == nil {
		return resp, nil
	}
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		err = permanent.Unwrap()
	}

	var statusErr *StatusError
	switch {
	case errors.Is(err, ErrUpstreamTimeout), errors.Is(err, ErrUpstreamAuth):
		return Response{}, err
	case errors.As(err, &statusErr):
		if statusErr.StatusCode >= 500 && tries > 1 {
			return last, fmt.Errorf("%w: %w", ErrUpstreamUnavailable, statusErr)
		}
		return last, statusErr
	case isTimeout(ctx, err):
		// the context ran out while waiting between attempts
		return Response{}, fmt.Errorf("%w: %s %s", ErrUpstreamTimeout, method, req.Path)
	case errors.Is(err, context.Canceled), errors.Is(err, ErrClusterDisabled), errors.Is(err, ErrAuthenticationFailed):
		return Response{}, err
	}
	return Response{}, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
}

func (m *Manager) backoffPolicy() *backoff.ExponentialBackOff {
	return &backoff.ExponentialBackOff{
		InitialInterval: m.backoffBase,
		Multiplier:      2,
		MaxInterval:     m.backoffMax,
	}
}

// enable lets a session that was disabled while its cluster was inactive log in again.
func (m *Manager) enable(sess *session) {
	sess.mu.Lock()
	if sess.state == Disabled {
		sess.state = Unauthenticated
	}
	sess.mu.Unlock()
}

// ensure returns usable credentials, logging in when the session is not Active.
// Concurrent logins for one cluster collapse into a single request.
func (m *Manager) ensure(ctx context.Context, cluster Cluster, sess *session) (credentials, error) {
	sess.mu.Lock()
	switch sess.stateAt(m.now()) {
	case Active:
		c := credentials{token: sess.token, cookies: sess.cookies, generation: sess.generation}
		sess.mu.Unlock()
		return c, nil
	case Disabled:
		sess.mu.Unlock()
		return credentials{}, ErrClusterDisabled
	}
	sess.mu.Unlock()

	ch := m.logins.DoChan(cluster.ID, func() (any, error) {
		return m.login(ctx, cluster, sess)
	})
	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return credentials{}, fmt.Errorf("%w: login", ErrUpstreamTimeout)
		}
		return credentials{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return credentials{}, res.Err
		}
		return res.Val.(credentials), nil
	}
}

func (m *Manager) login(ctx context.Context, cluster Cluster, sess *session) (credentials, error) {
	sess.mu.Lock()
	if sess.stateAt(m.now()) == Active {
		c := credentials{token: sess.token, cookies: sess.cookies, generation: sess.generation}
		sess.mu.Unlock()
		return c, nil
	}
	if sess.state == Disabled {
		sess.mu.Unlock()
		return credentials{}, ErrClusterDisabled
	}
	sess.state = Authenticating
	sess.mu.Unlock()

	// Shared by every waiter, so only the manager's own timeout bounds it.
	loginCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.timeout)
	defer cancel()

	token, cookies, err := m.authenticate(loginCtx, cluster)
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.state == Disabled {
		return credentials{}, ErrClusterDisabled
	}
	if err != nil {
		sess.state = Unauthenticated
		sess.token = ""
		sess.cookies = nil
		obs.ObserveUpstreamLogin(cluster.Name, false)
		obs.Logger().Warn().Err(err).Str("cluster", cluster.Name).Msg("upstream login failed")
		if isTimeout(loginCtx, err) {
			return credentials{}, fmt.Errorf("%w: login", ErrUpstreamTimeout)
		}
		return credentials{}, err
	}
	sess.state = Active
	sess.token = token
	sess.cookies = cookies
	sess.expiresAt = m.now().Add(m.sessionTTL)
	sess.generation++
	obs.ObserveUpstreamLogin(cluster.Name, true)
	obs.Logger().Info().Str("cluster", cluster.Name).Time("expires_at", sess.expiresAt).Msg("upstream session established")
	return credentials{token: token, cookies: cookies, generation: sess.generation}, nil
}

func (m *Manager) authenticate(ctx context.Context, cluster Cluster) (string, []*http.Cookie, error) {
	password, err := m.vault.Decrypt(cluster.PasswordEncrypted)
	if err != nil {
		return "", nil, fmt.Errorf("%w: decrypt credentials: %v", ErrAuthenticationFailed, err)
	}
	payload, err := json.Marshal(map[string]string{"username": cluster.Username, "password": password})
	if err != nil {
		return "", nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(cluster.BaseURL, "/")+"/login", bytes.NewReader(payload))
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := m.client(cluster).Do(httpReq)
	if err != nil {
		if isTimeout(ctx, err) {
			return "", nil, err
		}
		return "", nil, fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", nil, fmt.Errorf("%w: status %d", ErrAuthenticationFailed, resp.StatusCode)
	}

	var parsed struct {
		Token    string `json:"token"`
		JWTToken string `json:"jwttoken"`
	}
	_ = json.Unmarshal(body, &parsed)
	token := parsed.Token
	if token == "" {
		token = parsed.JWTToken
	}
	cookies := resp.Cookies()
	if token == "" && len(cookies) == 0 {
		return "", nil, fmt.Errorf("%w: no token or session cookie in login response", ErrAuthenticationFailed)
	}
	return token, cookies, nil
}

// invalidate marks the session Invalidated unless a newer login already replaced
// the credentials that were rejected.
func (m *Manager) invalidate(sess *session, generation uint64) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.generation == generation && sess.state == Active {
		sess.state = Invalidated
		sess.token = ""
		sess.cookies = nil
	}
}

func (m *Manager) send(ctx context.Context, cluster Cluster, creds credentials, req Request) (int, []byte, error) {
	target := strings.TrimRight(cluster.BaseURL, "/") + "/" + strings.TrimLeft(req.Path, "/")
	if len(req.Query) > 0 {
		target += "?" + req.Query.Encode()
	}
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return 0, nil, err
	}
	httpReq.Header.Set("Accept", "application/json")
	if len(req.Body) > 0 {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if creds.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+creds.token)
	}
	for _, c := range creds.cookies {
		httpReq.AddCookie(c)
	}

	resp, err := m.client(cluster).Do(httpReq)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, data, nil
}

func (m *Manager) client(cluster Cluster) *http.Client {
	if cluster.VerifySSL {
		return m.secure
	}
	return m.insecure
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func wrapBody(status int, body []byte) json.RawMessage {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && json.Valid(trimmed) {
		return json.RawMessage(trimmed)
	}
	wrapped, _ := json.Marshal(map[string]any{"data": string(body), "status_code": status})
	return wrapped
}
