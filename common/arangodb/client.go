package arangodb

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/arangodb/go-driver/v2/arangodb"
	"github.com/arangodb/go-driver/v2/connection"
)

type Client interface {
	EnsureDatabase(ctx context.Context) error
	EnsureCollections(ctx context.Context) error
	EnsureGraph(ctx context.Context) error

	// Duplicates (same _key) are ignored; existing documents are not updated.
	IngestVertices(ctx context.Context, vertices []Vertex) error
	IngestEdges(ctx context.Context, edges []Edge) error

	// CountContained counts vertices reachable from a repository per collection.
	CountContained(ctx context.Context, repositoryExternalID string) (map[string]int, error)

	Close() error
}

type Config struct {
	URL      string
	Username string
	Password string
	Database string
}

func (c Config) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("arangodb URL is required")
	}
	if c.Username == "" {
		return fmt.Errorf("arangodb username is required")
	}
	if c.Database == "" {
		return fmt.Errorf("arangodb database name is required")
	}
	return nil
}

type client struct {
	conn         connection.Connection
	arangoClient arangodb.Client
	db           arangodb.Database
	cfg          Config
}

func New(ctx context.Context, cfg Config) (Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("arangodb config: %w", err)
	}

	endpoint := connection.NewRoundRobinEndpoints([]string{cfg.URL})
	conn := connection.NewHttp2Connection(connection.DefaultHTTP2ConfigurationWrapper(endpoint, true))

	auth := connection.NewBasicAuth(cfg.Username, cfg.Password)
	if err := conn.SetAuthentication(auth); err != nil {
		return nil, fmt.Errorf("arangodb auth: %w", err)
	}

	return &client{
		conn:         conn,
		arangoClient: arangodb.NewClient(conn),
		cfg:          cfg,
	}, nil
}

func (c *client) Close() error {
	return nil
}

func (c *client) EnsureDatabase(ctx context.Context) error {
	start := time.Now()

	exists, err := c.arangoClient.DatabaseExists(ctx, c.cfg.Database)
	if err != nil {
		return fmt.Errorf("check database exists: %w", err)
	}

	if !exists {
		if _, err := c.arangoClient.CreateDatabase(ctx, c.cfg.Database, nil); err != nil {
			return fmt.Errorf("create database: %w", err)
		}
		slog.InfoContext(ctx, "arangodb database created",
			"database", c.cfg.Database,
			"duration_ms", time.Since(start).Milliseconds())
	}

	db, err := c.arangoClient.GetDatabase(ctx, c.cfg.Database, nil)
	if err != nil {
		return fmt.Errorf("get database: %w", err)
	}
	c.db = db

	return nil
}

func (c *client) EnsureCollections(ctx context.Context) error {
	if c.db == nil {
		return fmt.Errorf("database not initialized, call EnsureDatabase first")
	}

	for _, name := range nodeCollections {
		if err := c.ensureCollection(ctx, name, false); err != nil {
			return err
		}
	}
	for _, name := range edgeCollections {
		if err := c.ensureCollection(ctx, name, true); err != nil {
			return err
		}
	}
	return nil
}

func (c *client) ensureCollection(ctx context.Context, name string, isEdge bool) error {
	exists, err := c.db.CollectionExists(ctx, name)
	if err != nil {
		return fmt.Errorf("check collection %s exists: %w", name, err)
	}
	if exists {
		return nil
	}

	colType := arangodb.CollectionTypeDocument
	if isEdge {
		colType = arangodb.CollectionTypeEdge
	}
	if _, err := c.db.CreateCollectionV2(ctx, name, &arangodb.CreateCollectionPropertiesV2{Type: &colType}); err != nil {
		return fmt.Errorf("create collection %s: %w", name, err)
	}
	slog.InfoContext(ctx, "arangodb collection created",
		"collection", name,
		"is_edge", isEdge)

	return nil
}

func (c *client) EnsureGraph(ctx context.Context) error {
	if c.db == nil {
		return fmt.Errorf("database not initialized, call EnsureDatabase first")
	}

	exists, err := c.db.GraphExists(ctx, GraphName)
	if err != nil {
		return fmt.Errorf("check graph exists: %w", err)
	}
	if exists {
		return nil
	}

	graphDef := &arangodb.GraphDefinition{
		Name: GraphName,
		EdgeDefinitions: []arangodb.EdgeDefinition{
			{Collection: EdgeContains, From: []string{CollectionRepositories}, To: nodeCollections[1:]},
		},
	}
	if _, err := c.db.CreateGraph(ctx, GraphName, graphDef, nil); err != nil {
		return fmt.Errorf("create graph: %w", err)
	}

	slog.InfoContext(ctx, "arangodb graph created", "graph", GraphName)
	return nil
}

func (c *client) IngestVertices(ctx context.Context, vertices []Vertex) error {
	if c.db == nil {
		return fmt.Errorf("database not initialized")
	}

	for collection, docs := range vertexDocuments(vertices) {
		if err := c.createDocuments(ctx, collection, docs); err != nil {
			return err
		}
	}
	return nil
}

func (c *client) IngestEdges(ctx context.Context, edges []Edge) error {
	if c.db == nil {
		return fmt.Errorf("database not initialized")
	}

	for collection, docs := range edgeDocuments(edges) {
		if err := c.createDocuments(ctx, collection, docs); err != nil {
			return err
		}
	}
	return nil
}

func (c *client) createDocuments(ctx context.Context, collection string, docs []map[string]any) error {
	start := time.Now()
	col, err := c.db.GetCollection(ctx, collection, nil)
	if err != nil {
		return fmt.Errorf("get collection %s: %w", collection, err)
	}

	reader, err := col.CreateDocuments(ctx, docs)
	if err != nil {
		return fmt.Errorf("create documents in %s: %w", collection, err)
	}

	// Per-document errors are duplicate keys from a page ingested before.
	for {
		if _, readErr := reader.Read(); readErr != nil {
			break
		}
	}

	slog.DebugContext(ctx, "arangodb documents ingested",
		"collection", collection,
		"count", len(docs),
		"duration_ms", time.Since(start).Milliseconds())

	return nil
}

const countContainedQuery = `
	FOR v IN 1..1 OUTBOUND @start GRAPH @graph
		COLLECT collection = PARSE_IDENTIFIER(v._id).collection WITH COUNT INTO n
		RETURN { collection, n }
`

func (c *client) CountContained(ctx context.Context, repositoryExternalID string) (map[string]int, error) {
	if c.db == nil {
		return nil, fmt.Errorf("database not initialized")
	}

	cursor, err := c.db.Query(ctx, countContainedQuery, &arangodb.QueryOptions{
		BindVars: map[string]any{
			"start": documentID(CollectionRepositories, repositoryExternalID),
			"graph": GraphName,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("execute query: %w", err)
	}
	defer cursor.Close()

	counts := make(map[string]int)
	for cursor.HasMore() {
		var row struct {
			Collection string `json:"collection"`
			N          int    `json:"n"`
		}
		if _, err := cursor.ReadDocument(ctx, &row); err != nil {
			return nil, fmt.Errorf("read document: %w", err)
		}
		counts[row.Collection] = row.N
	}
	return counts, nil
}

func vertexDocuments(vertices []Vertex) map[string][]map[string]any {
	byCollection := make(map[string][]map[string]any)
	for _, v := range vertices {
		doc := make(map[string]any, len(v.Properties)+2)
		for k, val := range v.Properties {
			doc[k] = val
		}
		doc["_key"] = makeKey(v.ExternalID)
		doc["external_id"] = v.ExternalID
		byCollection[v.Collection] = append(byCollection[v.Collection], doc)
	}
	return byCollection
}

func edgeDocuments(edges []Edge) map[string][]map[string]any {
	byCollection := make(map[string][]map[string]any)
	for _, e := range edges {
		from := documentID(e.FromCollection, e.FromID)
		to := documentID(e.ToCollection, e.ToID)
		doc := make(map[string]any, len(e.Properties)+3)
		for k, val := range e.Properties {
			doc[k] = val
		}
		doc["_key"] = makeEdgeKey(from, to)
		doc["_from"] = from
		doc["_to"] = to
		byCollection[e.Collection] = append(byCollection[e.Collection], doc)
	}
	return byCollection
}

func documentID(collection, externalID string) string {
	return collection + "/" + makeKey(externalID)
}

func makeKey(externalID string) string {
	hash := md5.Sum([]byte(externalID))
	return hex.EncodeToString(hash[:])[:16]
}

func makeEdgeKey(from, to string) string {
	hash := md5.Sum([]byte(from + "->" + to))
	return hex.EncodeToString(hash[:])[:16]
}
