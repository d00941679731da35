package remote

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/doyensec/safeurl"
)

// maxRedirects はリダイレクトを辿る最大回数。
const maxRedirects = 10

// ErrOffHostRedirect はリモートURLと異なるホストへのリダイレクトを拒否した場合に返される。
var ErrOffHostRedirect = errors.New("リモートURLと異なるホストへのリダイレクトは許可されていません")

// NewSafeClient はSSRF対策を施したHTTPIndex用のHTTPクライアントを生成する。
// 接続先はrawURLのホストとポートに限定する。
// プライベートアドレスへの接続はallowedCIDRsに含まれるか、rawURLのホストがIPリテラルの場合だけ許可する。
func NewSafeClient(rawURL string, timeout time.Duration, allowedCIDRs []string) (*http.Client, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("リモートURLのパースに失敗しました: %w", err)
	}
	host := u.Hostname()
	if host == "" {
		return nil, fmt.Errorf("リモートURLにホストがありません: %q", rawURL)
	}

	port, err := remotePort(u)
	if err != nil {
		return nil, err
	}

	for _, cidr := range allowedCIDRs {
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			return nil, fmt.Errorf("許可CIDRが不正です: %q", cidr)
		}
	}

	builder := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes("http", "https").
		SetAllowedHosts(host).
		SetAllowedPorts(port).
		SetCheckRedirect(sameHostRedirect(host))

	if ip := net.ParseIP(host); ip != nil {
		builder.SetAllowedIPs(ip.String()).EnableIPv6(ip.To4() == nil)
	}
	if len(allowedCIDRs) > 0 {
		builder.SetAllowedIPsCIDR(allowedCIDRs...)
	}

	wrappedClient := safeurl.Client(builder.Build())
	return wrappedClient.Client, nil
}

// sameHostRedirect はhost以外へのリダイレクトを拒否するCheckRedirectを返す。
func sameHostRedirect(host string) func(req *http.Request, via []*http.Request) error {
	return func(req *http.Request, via []*http.Request) error {
		if len(via) >= maxRedirects {
			return fmt.Errorf("リダイレクトが %d 回を超えました", maxRedirects)
		}
		if !strings.EqualFold(req.URL.Hostname(), host) {
			return fmt.Errorf("%w: %s", ErrOffHostRedirect, req.URL.Host)
		}
		return nil
	}
}

// remotePort はURLの接続先ポートを返す。省略時はスキームの既定ポート。
func remotePort(u *url.URL) (int, error) {
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n <= 0 || n > 65535 {
			return 0, fmt.Errorf("リモートURLのポートが不正です: %q", p)
		}
		return n, nil
	}
	switch u.Scheme {
	case "http":
		return 80, nil
	case "https":
		return 443, nil
	}
	return 0, fmt.Errorf("リモートURLのスキームが不正です: %q", u.Scheme)
}
