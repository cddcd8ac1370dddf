// Package collector maintains the upstream WebSocket subscriptions: one
// session per listening backend, each decoding connection snapshots,
// computing byte deltas, and feeding the realtime cache.
package collector

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/clashmeter/clashmeter/internal/model"
)

// wireFrame is one inbound text frame from a Clash /connections stream.
// The top-level totals are informational; the per-connection array is
// authoritative.
type wireFrame struct {
	DownloadTotal int64            `json:"downloadTotal"`
	UploadTotal   int64            `json:"uploadTotal"`
	Connections   []wireConnection `json:"connections"`
}

type wireConnection struct {
	ID          string       `json:"id"`
	Upload      int64        `json:"upload"`
	Download    int64        `json:"download"`
	Start       time.Time    `json:"start"`
	Chains      []string     `json:"chains"`
	Rule        string       `json:"rule"`
	RulePayload string       `json:"rulePayload"`
	Metadata    wireMetadata `json:"metadata"`
}

type wireMetadata struct {
	Host            string `json:"host"`
	DestinationIP   string `json:"destinationIP"`
	DestinationPort string `json:"destinationPort"`
	SourceIP        string `json:"sourceIP"`
	SourcePort      string `json:"sourcePort"`
	Network         string `json:"network"`
	Type            string `json:"type"`
	Process         string `json:"process"`
}

// decodeFrame parses one frame into normalized snapshots.
func decodeFrame(data []byte) ([]model.ConnectionSnapshot, error) {
	var frame wireFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}

	snaps := make([]model.ConnectionSnapshot, 0, len(frame.Connections))
	for _, c := range frame.Connections {
		if c.ID == "" {
			continue
		}
		snaps = append(snaps, model.ConnectionSnapshot{
			ID:              c.ID,
			Upload:          c.Upload,
			Download:        c.Download,
			Start:           c.Start,
			SourceIP:        c.Metadata.SourceIP,
			SourcePort:      c.Metadata.SourcePort,
			Host:            c.Metadata.Host,
			DestinationIP:   c.Metadata.DestinationIP,
			DestinationPort: c.Metadata.DestinationPort,
			Network:         c.Metadata.Network,
			Type:            c.Metadata.Type,
			Chains:          c.Chains,
			Rule:            c.Rule,
			RulePayload:     c.RulePayload,
			Process:         c.Metadata.Process,
		})
	}
	return snaps, nil
}
