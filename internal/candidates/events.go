// Package candidates hands candidate blocks to the downstream scoring stage.
// Blocks are buffered and published to Kafka in batches, one BlockEvent per
// query record.
package candidates

import (
	"time"

	"github.com/digitisingscotland/pakdd2018-metric-linkage/internal/lsh"
	"github.com/digitisingscotland/pakdd2018-metric-linkage/internal/lsh/index"
)

// BlockEvent is the candidate set produced for one query record. Candidates
// never include the query itself.
type BlockEvent struct {
	QueryID    string         `json:"query_id"`
	Query      string         `json:"query"`
	Candidates []index.Record `json:"candidates"`
	Params     lsh.Params     `json:"params"`
	HashFamily string         `json:"hash_family"`
	EmittedAt  time.Time      `json:"emitted_at"`
}

// NewBlockEvent builds the event for query, dropping the query's own ID from
// block.
func NewBlockEvent(query index.Record, block []index.Record, params lsh.Params, family string) BlockEvent {
	return BlockEvent{
		QueryID:    query.ID,
		Query:      query.Text,
		Candidates: index.ExcludeID(block, query.ID),
		Params:     params,
		HashFamily: family,
		EmittedAt:  time.Now().UTC(),
	}
}
