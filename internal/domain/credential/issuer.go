package credential

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	Algorithm     = "AWS4-HMAC-SHA256"
	Validity      = time.Hour
	signedHeaders = "host"
	payloadHash   = "UNSIGNED-PAYLOAD"
	amzDateFormat = "20060102T150405Z"
	dateFormat    = "20060102"
	maxExpiry     = 7 * 24 * time.Hour
	clockSkew     = 5 * time.Minute
)

// Config names the signing identity and where presigned writes are sent.
// PathPrefix is prepended to every key: "/<bucket>" for path-style S3 endpoints,
// or the object route when this server accepts the write itself.
type Config struct {
	AccessKeyID     string
	SecretAccessKey string
	Region          string
	Service         string
	Endpoint        string
	PathPrefix      string
}

// Credential is a presigned write authorization.
type Credential struct {
	Key       string    `json:"key"`
	URL       string    `json:"url"`
	Method    string    `json:"method"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Issuer produces SigV4 query-presigned URLs. It holds no per-credential state;
// rotating the secret is the only way to revoke issued URLs.
type Issuer struct {
	cfg Config
	now func() time.Time
}

func NewIssuer(cfg Config) *Issuer {
	cfg.PathPrefix = "/" + strings.Trim(cfg.PathPrefix, "/")
	if cfg.PathPrefix == "/" {
		cfg.PathPrefix = ""
	}
	return &Issuer{cfg: cfg, now: time.Now}
}

// Issue returns a PUT credential for targetKey valid for one hour.
func (i *Issuer) Issue(targetKey string) (*Credential, error) {
	return i.presign(http.MethodPut, targetKey, i.now().UTC(), Validity)
}

func (i *Issuer) presign(method, key string, at time.Time, ttl time.Duration) (*Credential, error) {
	if key == "" {
		return nil, ErrInvalidKey
	}
	endpoint, err := i.endpoint()
	if err != nil {
		return nil, err
	}

	amzDate := at.Format(amzDateFormat)
	date := at.Format(dateFormat)
	query := url.Values{}
	query.Set("X-Amz-Algorithm", Algorithm)
	query.Set("X-Amz-Credential", i.cfg.AccessKeyID+"/"+i.scope(date))
	query.Set("X-Amz-Date", amzDate)
	query.Set("X-Amz-Expires", strconv.Itoa(int(ttl/time.Second)))
	query.Set("X-Amz-SignedHeaders", signedHeaders)

	uri := canonicalURI(i.cfg.PathPrefix + "/" + key)
	canonicalQuery := canonicalQueryString(query)
	signature := i.sign(method, uri, canonicalQuery, endpoint.Host, amzDate, date)

	return &Credential{
		Key:       key,
		URL:       fmt.Sprintf("%s://%s%s?%s&X-Amz-Signature=%s", endpoint.Scheme, endpoint.Host, uri, canonicalQuery, signature),
		Method:    method,
		ExpiresAt: at.Add(ttl),
	}, nil
}

// Verify checks a presigned request against the same secret. path is the decoded
// request path as seen by the server.
func (i *Issuer) Verify(method, host, path string, query url.Values) error {
	if _, err := i.endpoint(); err != nil {
		return err
	}
	if query.Get("X-Amz-Algorithm") != Algorithm {
		return fmt.Errorf("%w: unsupported algorithm", ErrInvalidSignature)
	}
	if query.Get("X-Amz-SignedHeaders") != signedHeaders {
		return fmt.Errorf("%w: unexpected signed headers", ErrInvalidSignature)
	}

	amzDate := query.Get("X-Amz-Date")
	signedAt, err := time.Parse(amzDateFormat, amzDate)
	if err != nil {
		return fmt.Errorf("%w: malformed X-Amz-Date", ErrInvalidSignature)
	}
	date := signedAt.Format(dateFormat)
	if query.Get("X-Amz-Credential") != i.cfg.AccessKeyID+"/"+i.scope(date) {
		return fmt.Errorf("%w: credential scope mismatch", ErrInvalidSignature)
	}

	expires, err := strconv.Atoi(query.Get("X-Amz-Expires"))
	if err != nil || expires <= 0 || time.Duration(expires)*time.Second > maxExpiry {
		return fmt.Errorf("%w: bad X-Amz-Expires", ErrInvalidSignature)
	}
	now := i.now().UTC()
	if signedAt.After(now.Add(clockSkew)) {
		return fmt.Errorf("%w: signed in the future", ErrInvalidSignature)
	}
	if now.After(signedAt.Add(time.Duration(expires) * time.Second)) {
		return ErrExpired
	}

	provided := query.Get("X-Amz-Signature")
	unsigned := url.Values{}
	for k, v := range query {
		if k != "X-Amz-Signature" {
			unsigned[k] = v
		}
	}
	expected := i.sign(method, canonicalURI(path), canonicalQueryString(unsigned), host, amzDate, date)
	if !hmac.Equal([]byte(provided), []byte(expected)) {
		return ErrInvalidSignature
	}
	return nil
}

// VerifyRequest verifies an inbound presigned HTTP request.
func (i *Issuer) VerifyRequest(r *http.Request) error {
	return i.Verify(r.Method, r.Host, r.URL.Path, r.URL.Query())
}

func (i *Issuer) sign(method, uri, canonicalQuery, host, amzDate, date string) string {
	canonicalRequest := strings.Join([]string{
		method,
		uri,
		canonicalQuery,
		"host:" + strings.TrimSpace(host) + "\n",
		signedHeaders,
		payloadHash,
	}, "\n")

	stringToSign := strings.Join([]string{
		Algorithm,
		amzDate,
		i.scope(date),
		sha256Hex(canonicalRequest),
	}, "\n")

	key := hmacSHA256([]byte("AWS4"+i.cfg.SecretAccessKey), []byte(date))
	key = hmacSHA256(key, []byte(i.cfg.Region))
	key = hmacSHA256(key, []byte(i.cfg.Service))
	key = hmacSHA256(key, []byte("aws4_request"))
	return hex.EncodeToString(hmacSHA256(key, []byte(stringToSign)))
}

func (i *Issuer) scope(date string) string {
	return date + "/" + i.cfg.Region + "/" + i.cfg.Service + "/aws4_request"
}

func (i *Issuer) endpoint() (*url.URL, error) {
	c := i.cfg
	if c.AccessKeyID == "" || c.SecretAccessKey == "" || c.Region == "" || c.Service == "" || c.Endpoint == "" {
		return nil, ErrConfiguration
	}
	u, err := url.Parse(c.Endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%w: bad endpoint %q", ErrConfiguration, c.Endpoint)
	}
	return u, nil
}

func canonicalQueryString(query url.Values) string {
	keys := make([]string, 0, len(query))
	for k := range query {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var parts []string
	for _, k := range keys {
		values := append([]string(nil), query[k]...)
		sort.Strings(values)
		for _, v := range values {
			parts = append(parts, uriEncode(k)+"="+uriEncode(v))
		}
	}
	return strings.Join(parts, "&")
}

func canonicalURI(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	segments := strings.Split(path, "/")
	for i, seg := range segments {
		segments[i] = uriEncode(seg)
	}
	return strings.Join(segments, "/")
}

func uriEncode(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

func hmacSHA256(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}

func sha256Hex(data string) string {
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])
}
