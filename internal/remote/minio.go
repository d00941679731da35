package remote

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/hitoshi/attendsync/internal/model"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinIOConfig はMinIO（S3互換）ソースの接続設定。
type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Prefix    string
	UseSSL    bool
}

// MinIOSource はMinIOバケットのプレフィックス以下をリモートツリーとして扱う。
// "/"で区切られたキーをディレクトリ階層とみなす。
type MinIOSource struct {
	client *minio.Client
	bucket string
	prefix string
	logger *slog.Logger
}

// NewMinIOSource はMinIOSourceを生成する。
func NewMinIOSource(cfg MinIOConfig, logger *slog.Logger) (*MinIOSource, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("MinIOのエンドポイントとバケットは必須です")
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:        credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:       cfg.UseSSL,
		BucketLookup: minio.BucketLookupAuto,
	})
	if err != nil {
		return nil, fmt.Errorf("MinIOクライアントの初期化に失敗しました: %w", err)
	}

	return &MinIOSource{
		client: client,
		bucket: cfg.Bucket,
		prefix: normalizePrefix(cfg.Prefix),
		logger: logger,
	}, nil
}

// SourceURL はインデックスに記録するリモートの識別子を返す。
func (m *MinIOSource) SourceURL() string {
	return "s3://" + m.bucket + "/" + m.prefix
}

// List はdir直下のオブジェクトと共通プレフィックスを返す。
func (m *MinIOSource) List(ctx context.Context, dir string) ([]model.RemoteNode, error) {
	var nodes []model.RemoteNode

	objects := m.client.ListObjects(ctx, m.bucket, minio.ListObjectsOptions{
		Prefix:    m.dirPrefix(dir),
		Recursive: false,
	})
	for obj := range objects {
		if obj.Err != nil {
			return nil, fmt.Errorf("オブジェクト一覧の取得に失敗しました: %w", obj.Err)
		}
		node, ok := m.toNode(obj.Key, obj.Size)
		if !ok {
			continue
		}
		nodes = append(nodes, node)
	}

	return nodes, nil
}

// Fetch はオブジェクトの内容を取得する。
func (m *MinIOSource) Fetch(ctx context.Context, rel string) (io.ReadCloser, int64, error) {
	obj, err := m.client.GetObject(ctx, m.bucket, m.objectKey(rel), minio.GetObjectOptions{})
	if err != nil {
		return nil, 0, fmt.Errorf("オブジェクトの取得に失敗しました: %w", err)
	}

	info, err := obj.Stat()
	if err != nil {
		obj.Close()
		return nil, 0, fmt.Errorf("オブジェクト情報の取得に失敗しました: %w", err)
	}

	return obj, info.Size, nil
}

// toNode はオブジェクトキーを相対パスのノードに変換する。
// 末尾が"/"のキー（共通プレフィックス）はディレクトリとする。
func (m *MinIOSource) toNode(key string, size int64) (model.RemoteNode, bool) {
	rel := strings.TrimPrefix(key, m.prefix)
	if rel == "" || (m.prefix != "" && rel == key) {
		return model.RemoteNode{}, false
	}
	if strings.HasSuffix(rel, "/") {
		return model.RemoteNode{Path: strings.TrimSuffix(rel, "/"), Kind: model.NodeDirectory}, true
	}
	return model.RemoteNode{Path: rel, Kind: model.NodeFile, Size: size}, true
}

func (m *MinIOSource) dirPrefix(dir string) string {
	if dir == "" {
		return m.prefix
	}
	return m.prefix + strings.Trim(dir, "/") + "/"
}

func (m *MinIOSource) objectKey(rel string) string {
	return m.prefix + strings.TrimPrefix(rel, "/")
}

// normalizePrefix は先頭の"/"を除き、空でなければ末尾に"/"を付ける。
func normalizePrefix(p string) string {
	p = strings.Trim(strings.TrimSpace(p), "/")
	if p == "" {
		return ""
	}
	return p + "/"
}
