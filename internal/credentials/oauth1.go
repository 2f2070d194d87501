package credentials

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/xela07ax/waygate/internal/domain"
)

// SignOAuth1 строит заголовок Authorization по OAuth 1.0a HMAC-SHA1.
// В подпись входят query, form-urlencoded тело и oauth_* параметры.
func SignOAuth1(req *http.Request, set domain.CredentialSet, nonce string, timestamp int64) (string, error) {
	oauth := map[string]string{
		"oauth_consumer_key":     set.ConsumerKey,
		"oauth_nonce":            nonce,
		"oauth_signature_method": "HMAC-SHA1",
		"oauth_timestamp":        strconv.FormatInt(timestamp, 10),
		"oauth_token":            set.AccessToken,
		"oauth_version":          "1.0",
	}

	var pairs [][2]string
	add := func(k, v string) { pairs = append(pairs, [2]string{percentEncode(k), percentEncode(v)}) }
	for k, vs := range req.URL.Query() {
		for _, v := range vs {
			add(k, v)
		}
	}
	form, err := formParams(req)
	if err != nil {
		return "", err
	}
	for k, vs := range form {
		for _, v := range vs {
			add(k, v)
		}
	}
	for k, v := range oauth {
		add(k, v)
	}
	// сортировка по закодированному ключу, затем по значению
	sort.Slice(pairs, func(a, b int) bool {
		if pairs[a][0] != pairs[b][0] {
			return pairs[a][0] < pairs[b][0]
		}
		return pairs[a][1] < pairs[b][1]
	})
	joined := make([]string, len(pairs))
	for i, p := range pairs {
		joined[i] = p[0] + "=" + p[1]
	}

	base := strings.ToUpper(req.Method) + "&" +
		percentEncode(baseURL(req.URL)) + "&" +
		percentEncode(strings.Join(joined, "&"))

	key := percentEncode(set.ConsumerSecret) + "&" + percentEncode(set.AccessTokenSecret)
	mac := hmac.New(sha1.New, []byte(key))
	mac.Write([]byte(base))
	oauth["oauth_signature"] = base64.StdEncoding.EncodeToString(mac.Sum(nil))

	keys := make([]string, 0, len(oauth))
	for k := range oauth {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf(`%s="%s"`, percentEncode(k), percentEncode(oauth[k])))
	}
	return "OAuth " + strings.Join(parts, ", "), nil
}

// formParams читает тело через GetBody, чтобы не расходовать req.Body.
func formParams(req *http.Request) (url.Values, error) {
	if req.GetBody == nil {
		return nil, nil
	}
	ct, _, _ := mime.ParseMediaType(req.Header.Get("Content-Type"))
	if ct != "application/x-www-form-urlencoded" {
		return nil, nil
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, fmt.Errorf("oauth1: read body: %w", err)
	}
	defer body.Close()
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("oauth1: read body: %w", err)
	}
	values, err := url.ParseQuery(string(data))
	if err != nil {
		return nil, fmt.Errorf("oauth1: parse form body: %w", err)
	}
	return values, nil
}

// baseURL: схема и хост в нижнем регистре, порт по умолчанию опускается, без query.
func baseURL(u *url.URL) string {
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	if port := u.Port(); port != "" && !(scheme == "http" && port == "80") && !(scheme == "https" && port == "443") {
		host += ":" + port
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	return scheme + "://" + host + path
}

// percentEncode — RFC 3986: кодируется всё, кроме ALPHA / DIGIT / "-" / "." / "_" / "~".
func percentEncode(s string) string {
	const hex = "0123456789ABCDEF"
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if ('A' <= c && c <= 'Z') || ('a' <= c && c <= 'z') || ('0' <= c && c <= '9') ||
			c == '-' || c == '.' || c == '_' || c == '~' {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(hex[c>>4])
		b.WriteByte(hex[c&0x0f])
	}
	return b.String()
}
