package email

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"
)

// ErrInvalidAddress is returned for strings that are not user@domain
var ErrInvalidAddress = errors.New("invalid email address")

const imapsPort = "993"

// IMAP servers of common providers, keyed by address domain
var knownIMAPServers = map[string]string{
	"gmail.com":      "imap.gmail.com:993",
	"googlemail.com": "imap.gmail.com:993",
	"outlook.com":    "outlook.office365.com:993",
	"hotmail.com":    "outlook.office365.com:993",
	"live.com":       "outlook.office365.com:993",
	"yahoo.com":      "imap.mail.yahoo.com:993",
	"yandex.ru":      "imap.yandex.ru:993",
	"yandex.com":     "imap.yandex.com:993",
	"mail.ru":        "imap.mail.ru:993",
	"icloud.com":     "imap.mail.me.com:993",
	"me.com":         "imap.mail.me.com:993",
	"aol.com":        "imap.aol.com:993",
	"zoho.com":       "imap.zoho.com:993",
	"proton.me":      "127.0.0.1:1143", // ProtonMail Bridge
	"fastmail.com":   "imap.fastmail.com:993",
	"gmx.de":         "imap.gmx.net:993",
	"web.de":         "imap.web.de:993",
	"naver.com":      "imap.naver.com:993",
	"daum.net":       "imap.daum.net:993",
}

// Resolver guesses the IMAP server of an address
type Resolver struct {
	probeTimeout time.Duration
	probe        func(ctx context.Context, hostport string) bool
	lookupMX     func(ctx context.Context, domain string) ([]*net.MX, error)
}

// NewResolver creates a resolver that probes candidates over TCP
func NewResolver() *Resolver {
	r := &Resolver{probeTimeout: 3 * time.Second}
	r.probe = r.dialProbe
	r.lookupMX = net.DefaultResolver.LookupMX
	return r
}

// ResolveIMAPServer returns host:port for address. Known providers win, then
// imap./mail. prefixes of the domain and of its primary MX, then imap.<domain>.
func (r *Resolver) ResolveIMAPServer(ctx context.Context, address string) (string, error) {
	domain := DomainOf(address)
	if domain == "" {
		return "", ErrInvalidAddress
	}

	if server, ok := knownIMAPServers[domain]; ok {
		return server, nil
	}

	candidates := []string{"imap." + domain, "mail." + domain, domain}
	if mx, err := r.lookupMX(ctx, domain); err == nil && len(mx) > 0 {
		host := strings.TrimSuffix(mx[0].Host, ".")
		if _, base, ok := strings.Cut(host, "."); ok && base != domain {
			candidates = append(candidates, "imap."+base, "mail."+base)
		}
	}

	for _, host := range candidates {
		hostport := net.JoinHostPort(host, imapsPort)
		if r.probe(ctx, hostport) {
			return hostport, nil
		}
	}

	return net.JoinHostPort("imap."+domain, imapsPort), nil
}

func (r *Resolver) dialProbe(ctx context.Context, hostport string) bool {
	ctx, cancel := context.WithTimeout(ctx, r.probeTimeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", hostport)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// NormalizeServer adds the IMAPS port to a bare host
func NormalizeServer(server string) string {
	server = strings.TrimSpace(server)
	if server == "" {
		return ""
	}
	if _, _, err := net.SplitHostPort(server); err == nil {
		return server
	}
	return net.JoinHostPort(server, imapsPort)
}

// DomainOf extracts the lowercased domain of an address
func DomainOf(address string) string {
	local, domain, ok := strings.Cut(strings.TrimSpace(address), "@")
	if !ok || local == "" || domain == "" || strings.Contains(domain, "@") {
		return ""
	}
	return strings.ToLower(domain)
}
