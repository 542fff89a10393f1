// Command schema emits JSON Schema documents for the wire protocol so client
// implementations in other languages can validate their frames.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/invopop/jsonschema"

	"driftspace/server/internal/net/proto"
)

func main() {
	out := flag.String("out", "schemas", "output directory")
	flag.Parse()

	if err := os.MkdirAll(*out, 0o755); err != nil {
		log.Fatalf("create output dir: %v", err)
	}

	reflector := &jsonschema.Reflector{
		ExpandedStruct: true,
		DoNotReference: true,
	}

	targets := []struct {
		name  string
		value any
	}{
		{"client_message", proto.ClientMessage{}},
		{"state_batch_v1", proto.StateBatchV1{}},
		{"join_response_v1", proto.JoinResponseV1{}},
		{"ownership_result", proto.OwnershipResult{}},
	}

	for _, target := range targets {
		schema := reflector.Reflect(target.value)
		data, err := json.MarshalIndent(schema, "", "  ")
		if err != nil {
			log.Fatalf("marshal %s: %v", target.name, err)
		}
		path := filepath.Join(*out, target.name+".schema.json")
		if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
			log.Fatalf("write %s: %v", path, err)
		}
		fmt.Println(path)
	}
}
