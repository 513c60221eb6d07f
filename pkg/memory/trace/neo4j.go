package trace

import (
	"context"
	"encoding/json"
	"time"

	"github.com/m-mizutani/goerr/v2"
	neo4j "github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/raizoken23/Stage-One-sub000/pkg/memory/model"
)

// cypherRunner abstracts the driver so tests can capture statements.
type cypherRunner interface {
	Write(ctx context.Context, query string, params map[string]any) error
	Close(ctx context.Context) error
}

type driverRunner struct {
	driver   neo4j.DriverWithContext
	database string
}

func (d *driverRunner) Write(ctx context.Context, query string, params map[string]any) error {
	session := d.driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   neo4j.AccessModeWrite,
		DatabaseName: d.database,
	})
	defer session.Close(ctx)
	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, query, params)
		if err != nil {
			return nil, err
		}
		return res.Consume(ctx)
	})
	return err
}

func (d *driverRunner) Close(ctx context.Context) error {
	return d.driver.Close(ctx)
}

// Neo4jSink keeps a lineage graph of a domain: agents, the memories they
// stored, and every audit event.
//
//	(:Agent)-[:REMEMBERED]->(:Memory)<-[:HOLDS]-(:Domain)<-[:IN]-(:DomainEvent)
type Neo4jSink struct {
	runner cypherRunner
}

var _ Sink = (*Neo4jSink)(nil)

func NewNeo4jSink(ctx context.Context, uri, user, password, database string) (*Neo4jSink, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(user, password, ""))
	if err != nil {
		return nil, goerr.Wrap(err, "create neo4j driver", goerr.V("uri", uri))
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, goerr.Wrap(err, "verify neo4j connectivity", goerr.V("uri", uri))
	}
	return &Neo4jSink{runner: &driverRunner{driver: driver, database: database}}, nil
}

const (
	cypherEvent = `
MERGE (d:Domain {name: $domain})
CREATE (e:DomainEvent {type: $type, status: $status, at: $at, payload: $payload})
CREATE (e)-[:IN]->(d)`

	cypherIngest = `
MERGE (d:Domain {name: $domain})
MERGE (m:Memory {fingerprint: $fingerprint})
SET m.id = $id, m.vector_id = $vector_id, m.memory_type = $memory_type, m.created_at = $at
MERGE (d)-[:HOLDS]->(m)
MERGE (a:Agent {id: $agent_id})
MERGE (a)-[:REMEMBERED]->(m)`

	cypherReinforce = `
MATCH (m:Memory {fingerprint: $fingerprint})
SET m.trust_score = $new_score, m.reinforced_at = $at`
)

func (s *Neo4jSink) Record(ctx context.Context, ev model.Event) error {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return goerr.Wrap(err, "encode payload")
	}
	at := ev.Timestamp.UTC().Format(time.RFC3339Nano)
	err = s.runner.Write(ctx, cypherEvent, map[string]any{
		"domain":  ev.Domain,
		"type":    string(ev.EventType),
		"status":  string(ev.Status),
		"at":      at,
		"payload": string(payload),
	})
	if err != nil {
		return goerr.Wrap(err, "write event node", goerr.V("type", ev.EventType))
	}
	if ev.Status != model.StatusSuccess {
		return nil
	}

	switch ev.EventType {
	case model.EventIngest:
		err = s.runner.Write(ctx, cypherIngest, map[string]any{
			"domain":      ev.Domain,
			"fingerprint": ev.Payload["fingerprint"],
			"id":          ev.Payload["id"],
			"vector_id":   ev.Payload["vector_id"],
			"memory_type": ev.Payload["memory_type"],
			"agent_id":    ev.Payload["agent_id"],
			"at":          at,
		})
	case model.EventReinforce:
		err = s.runner.Write(ctx, cypherReinforce, map[string]any{
			"fingerprint": ev.Payload["fingerprint"],
			"new_score":   ev.Payload["new_score"],
			"at":          at,
		})
	}
	if err != nil {
		return goerr.Wrap(err, "write lineage", goerr.V("type", ev.EventType))
	}
	return nil
}

func (s *Neo4jSink) Close(ctx context.Context) error {
	return s.runner.Close(ctx)
}
