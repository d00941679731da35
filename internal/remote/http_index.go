// Package remote はミラー同期のリモートソース（HTTPのディレクトリ一覧ページ、MinIOバケット）を提供する。
package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/hitoshi/attendsync/internal/model"
	"golang.org/x/net/html"
	"golang.org/x/sync/errgroup"
)

const (
	// maxIndexPageSize は一覧ページの最大読み込みサイズ（10MB）。
	maxIndexPageSize = 10 * 1024 * 1024
	// headConcurrency はサイズ取得用HEADリクエストの並列数。
	headConcurrency = 8
	userAgent       = "attendsync/1.0 face-cache"
)

// HTTPIndex はHTMLのファイルブラウザページを辿ってリモートツリーを列挙する。
// ルートURLのクエリ（?key=... などの認証パラメータ）はすべてのリクエストに付与する。
type HTTPIndex struct {
	base       *url.URL
	basePath   string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewHTTPIndex はHTTPIndexを生成する。
// httpClientにCheckRedirectが設定されていない場合は、リモートURLと同じホストへのリダイレクトだけを辿る。
func NewHTTPIndex(rawURL string, httpClient *http.Client, logger *slog.Logger) (*HTTPIndex, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("リモートURLのパースに失敗しました: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("リモートURLのスキームが不正です: %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("リモートURLにホストがありません: %q", rawURL)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if httpClient.CheckRedirect == nil {
		c := *httpClient
		c.CheckRedirect = sameHostRedirect(u.Hostname())
		httpClient = &c
	}
	return &HTTPIndex{
		base:       u,
		basePath:   strings.TrimSuffix(u.Path, "/"),
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// SourceURL はインデックスに記録するリモートの識別子を返す。
func (h *HTTPIndex) SourceURL() string {
	return h.base.String()
}

// List はdirの一覧ページを取得し、含まれるリンクを子ノードとして返す。
// 親ディレクトリへのリンクとルートの外を指すリンクは除外する。
// ファイルのサイズはHEADのContent-Lengthから取得し、取得できない場合はmodel.UnknownSizeとする。
func (h *HTTPIndex) List(ctx context.Context, dir string) ([]model.RemoteNode, error) {
	pageURL := h.dirURL(dir)

	body, err := h.get(ctx, pageURL, maxIndexPageSize)
	if err != nil {
		return nil, err
	}

	links := extractLinks(body)

	seen := make(map[string]bool)
	var nodes []model.RemoteNode
	for _, link := range links {
		if isParentLink(link) {
			continue
		}
		ref, err := url.Parse(link)
		if err != nil {
			continue
		}
		abs := pageURL.ResolveReference(ref)
		if abs.Host != h.base.Host {
			continue
		}

		rel, ok := h.relPath(abs.Path)
		if !ok || rel == "" || rel == dir || seen[rel] {
			continue
		}
		seen[rel] = true

		kind := model.NodeFile
		if isDirectoryPath(abs.Path) {
			kind = model.NodeDirectory
		}
		nodes = append(nodes, model.RemoteNode{Path: rel, Kind: kind, Size: model.UnknownSize})
	}

	h.fillSizes(ctx, nodes)

	return nodes, nil
}

// Fetch はファイルの内容を取得する。
func (h *HTTPIndex) Fetch(ctx context.Context, rel string) (io.ReadCloser, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.fileURL(rel).String(), nil)
	if err != nil {
		return nil, 0, fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, 0, fmt.Errorf("リモートがステータス %d を返しました", resp.StatusCode)
	}

	size := resp.ContentLength
	if size < 0 {
		size = model.UnknownSize
	}
	return resp.Body, size, nil
}

// fillSizes はファイルノードのサイズをHEADリクエストで並列に補完する。
func (h *HTTPIndex) fillSizes(ctx context.Context, nodes []model.RemoteNode) {
	var g errgroup.Group
	g.SetLimit(headConcurrency)

	for i := range nodes {
		if nodes[i].IsDir() {
			continue
		}
		i := i
		g.Go(func() error {
			nodes[i].Size = h.head(ctx, nodes[i].Path)
			return nil
		})
	}
	_ = g.Wait()
}

// head はファイルのContent-Lengthを返す。失敗した場合はmodel.UnknownSize。
func (h *HTTPIndex) head(ctx context.Context, rel string) int64 {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, h.fileURL(rel).String(), nil)
	if err != nil {
		return model.UnknownSize
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := h.httpClient.Do(req)
	if err != nil {
		h.logger.Debug("HEADリクエストに失敗しました",
			slog.String("path", rel),
			slog.String("error", err.Error()),
		)
		return model.UnknownSize
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK || resp.ContentLength < 0 {
		return model.UnknownSize
	}
	return resp.ContentLength
}

func (h *HTTPIndex) get(ctx context.Context, u *url.URL, limit int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("一覧ページがステータス %d を返しました: %s", resp.StatusCode, u.Path)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return nil, fmt.Errorf("一覧ページの読み取りに失敗しました: %w", err)
	}
	return body, nil
}

// dirURL はディレクトリの一覧ページのURLを返す。ルートは設定されたURLそのもの。
func (h *HTTPIndex) dirURL(dir string) *url.URL {
	if dir == "" {
		u := *h.base
		return &u
	}
	u := h.fileURL(dir)
	u.Path += "/"
	return u
}

// fileURL はルートからの相対パスに対応するURLを返す。クエリはルートURLのものを引き継ぐ。
func (h *HTTPIndex) fileURL(rel string) *url.URL {
	u := *h.base
	u.Path = h.basePath + "/" + strings.TrimPrefix(rel, "/")
	u.RawPath = ""
	u.Fragment = ""
	return &u
}

// relPath はURLのパスをルートからの相対パスに変換する。ルートの外を指す場合はfalseを返す。
func (h *HTTPIndex) relPath(p string) (string, bool) {
	if p != h.basePath && !strings.HasPrefix(p, h.basePath+"/") {
		return "", false
	}
	rel := strings.TrimPrefix(p, h.basePath)
	return strings.Trim(rel, "/"), true
}

// extractLinks はHTMLから<a href>と<img src>の値を抽出する。
func extractLinks(body []byte) []string {
	var links []string
	tokenizer := html.NewTokenizer(bytes.NewReader(body))

	for {
		tt := tokenizer.Next()
		switch tt {
		case html.ErrorToken:
			return links

		case html.StartTagToken, html.SelfClosingTagToken:
			tn, hasAttr := tokenizer.TagName()
			if !hasAttr {
				continue
			}

			var want string
			switch string(tn) {
			case "a":
				want = "href"
			case "img":
				want = "src"
			default:
				continue
			}

			for {
				key, val, more := tokenizer.TagAttr()
				if strings.ToLower(string(key)) == want {
					if v := strings.TrimSpace(string(val)); v != "" {
						links = append(links, v)
					}
				}
				if !more {
					break
				}
			}
		}
	}
}

func isParentLink(link string) bool {
	p := link
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	p = strings.TrimSuffix(p, "/")
	return p == ".." || strings.HasSuffix(p, "/..")
}

// isDirectoryPath は末尾がスラッシュ、または最後の要素に拡張子がないパスをディレクトリとみなす。
func isDirectoryPath(p string) bool {
	if strings.HasSuffix(p, "/") {
		return true
	}
	return !strings.Contains(path.Base(p), ".")
}
