// Package checkpoint saves and restores training state as one file per step.
package checkpoint

import (
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/samcharles93/lumen/internal/amp"
	"github.com/samcharles93/lumen/internal/optim"
	"github.com/samcharles93/lumen/internal/param"
)

const (
	FormatJSON  = "json"
	FormatProto = "proto"
)

var (
	ErrNotFound      = errors.New("checkpoint: not found")
	ErrUnknownFormat = errors.New("checkpoint: unknown format")
)

// Metadata identifies the run and build that wrote a checkpoint.
type Metadata struct {
	RunID     string    `json:"run_id"`
	Version   string    `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	Format    string    `json:"format"`
}

// Checkpoint is everything needed to resume training at Step+1.
type Checkpoint struct {
	Step       int                             `json:"step"`
	Pipeline   param.State                     `json:"pipeline"`
	Optimizers map[string]optim.State          `json:"optimizers"`
	Schedulers map[string]optim.SchedulerState `json:"schedulers"`
	Scalers    amp.State                       `json:"scalers"`
	Metadata   Metadata                        `json:"metadata"`
}

// Encode serialises c. The proto format stores the JSON document as a
// google.protobuf.Struct in binary wire form.
func Encode(c *Checkpoint, format string) ([]byte, error) {
	switch format {
	case FormatJSON, "":
		data, err := json.MarshalIndent(c, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("checkpoint: encode json: %w", err)
		}
		return data, nil
	case FormatProto:
		data, err := json.Marshal(c)
		if err != nil {
			return nil, fmt.Errorf("checkpoint: encode json: %w", err)
		}
		var s structpb.Struct
		if err := protojson.Unmarshal(data, &s); err != nil {
			return nil, fmt.Errorf("checkpoint: build struct: %w", err)
		}
		out, err := proto.Marshal(&s)
		if err != nil {
			return nil, fmt.Errorf("checkpoint: encode proto: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
}

// Decode parses data written by Encode in either format. JSON documents are
// recognised by their leading brace; a binary Struct starts with a field tag.
func Decode(data []byte) (*Checkpoint, error) {
	if len(data) == 0 || data[0] != '{' {
		var s structpb.Struct
		if err := proto.Unmarshal(data, &s); err != nil {
			return nil, fmt.Errorf("checkpoint: decode proto: %w", err)
		}
		var err error
		data, err = protojson.Marshal(&s)
		if err != nil {
			return nil, fmt.Errorf("checkpoint: convert proto: %w", err)
		}
	}
	var c Checkpoint
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("checkpoint: decode json: %w", err)
	}
	return &c, nil
}
