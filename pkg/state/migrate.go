package state

import (
	"errors"
	"fmt"
)

// ErrSchemaTooNew is returned when state.json was written by a newer build.
var ErrSchemaTooNew = errors.New("state schema is newer than this build")

// migrations[i] lifts a document from version i+1 to i+2. Each step is a
// pure function over the decoded JSON document.
var migrations = []func(doc map[string]any) map[string]any{
	migrateV1toV2,
}

func migrate(doc map[string]any) (map[string]any, error) {
	version := docVersion(doc)
	if version > CurrentSchemaVersion {
		return nil, fmt.Errorf("%w: found %d, supported %d", ErrSchemaTooNew, version, CurrentSchemaVersion)
	}
	if version < 1 {
		version = 1
	}
	for v := version; v < CurrentSchemaVersion; v++ {
		doc = migrations[v-1](doc)
		doc["schema_version"] = v + 1
	}
	return doc, nil
}

func docVersion(doc map[string]any) int {
	switch v := doc["schema_version"].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 1
	}
}

// migrateV1toV2 adds the block fields to every key record and the top-level
// last_health_refresh. Values default to absent; the fields only need to
// exist so later readers see a uniform shape.
func migrateV1toV2(doc map[string]any) map[string]any {
	keys, ok := doc["keys"].(map[string]any)
	if !ok {
		return doc
	}
	for label, raw := range keys {
		record, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if _, ok := record["blocked_until"]; !ok {
			record["blocked_until"] = ""
		}
		if _, ok := record["blocked_reason"]; !ok {
			record["blocked_reason"] = ""
		}
		keys[label] = record
	}
	if _, ok := doc["last_health_refresh"]; !ok {
		doc["last_health_refresh"] = ""
	}
	return doc
}
