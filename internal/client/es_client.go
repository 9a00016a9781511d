package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"go.uber.org/zap"

	"identity-service/internal/config"
	"identity-service/internal/util"
)

// ESClient indexes audit documents. Documents are written with op_type=create
// under their event id, so a replayed batch never rewrites history.
type ESClient struct {
	client *elasticsearch.Client
	url    string
}

func NewElasticsearchClient(cfg *config.Config) (*ESClient, error) {
	esConfig := cfg.Elasticsearch

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: cfg.IsDevelopment(),
	}
	transport.ResponseHeaderTimeout = 10 * time.Second

	es, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses:     []string{esConfig.URL},
		Username:      esConfig.Username,
		Password:      esConfig.Password,
		Transport:     transport,
		RetryOnStatus: []int{502, 503, 504, 429},
		MaxRetries:    3,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Elasticsearch client: %w", err)
	}

	c := &ESClient{client: es, url: redactURL(esConfig.URL)}
	util.Info("Elasticsearch client created", zap.String("url", c.url))
	return c, nil
}

// Close is a no-op; the client holds no connections beyond the transport pool.
func (c *ESClient) Close() {
	util.Info("Elasticsearch client shutdown", zap.String("url", c.url))
}

func (c *ESClient) HealthCheck(ctx context.Context) error {
	res, err := c.client.Cluster.Health(
		c.client.Cluster.Health.WithContext(ctx),
		c.client.Cluster.Health.WithLocal(true),
	)
	if err != nil {
		return fmt.Errorf("failed to get cluster health: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("elasticsearch health error: %s", res.String())
	}

	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return fmt.Errorf("failed to decode cluster health: %w", err)
	}
	if body.Status == "red" {
		return fmt.Errorf("elasticsearch cluster status is red")
	}
	return nil
}

// EnsureIndex creates index with the given mapping unless it already exists.
func (c *ESClient) EnsureIndex(ctx context.Context, index string, mapping []byte) error {
	res, err := c.client.Indices.Exists([]string{index}, c.client.Indices.Exists.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("failed to check index %s: %w", index, err)
	}
	res.Body.Close()
	if res.StatusCode == http.StatusOK {
		return nil
	}

	res, err = c.client.Indices.Create(index,
		c.client.Indices.Create.WithContext(ctx),
		c.client.Indices.Create.WithBody(bytes.NewReader(mapping)),
	)
	if err != nil {
		return fmt.Errorf("failed to create index %s: %w", index, err)
	}
	defer res.Body.Close()
	// Another replica may have created it first.
	if res.IsError() && !isResourceExists(res) {
		return fmt.Errorf("create index %s: %s", index, res.String())
	}
	util.Info("Elasticsearch index ready", zap.String("index", index))
	return nil
}

// IndexDocument stores document under id. A conflict means the document was
// already indexed by an earlier attempt and counts as success.
func (c *ESClient) IndexDocument(ctx context.Context, index, id string, document interface{}) error {
	body, err := json.Marshal(document)
	if err != nil {
		return fmt.Errorf("failed to encode document %s: %w", id, err)
	}

	res, err := c.client.Index(index, bytes.NewReader(body),
		c.client.Index.WithContext(ctx),
		c.client.Index.WithDocumentID(id),
		c.client.Index.WithOpType("create"),
	)
	if err != nil {
		return fmt.Errorf("failed to index document %s: %w", id, err)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusConflict {
		util.Debug("Audit document already indexed", zap.String("index", index), zap.String("id", id))
		return nil
	}
	if res.IsError() {
		return fmt.Errorf("index document %s: %s", id, res.String())
	}
	return nil
}

func isResourceExists(res *esapi.Response) bool {
	if res.StatusCode != http.StatusBadRequest {
		return false
	}
	var body struct {
		Error struct {
			Type string `json:"type"`
		} `json:"error"`
	}
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return false
	}
	return body.Error.Type == "resource_already_exists_exception"
}
