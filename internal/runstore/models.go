package runstore

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/BaSui01/workstream/workstream"
)

// RunRecord 一次运行的归档记录
type RunRecord struct {
	ID      uint   `gorm:"primaryKey" json:"-"`
	RunID   string `gorm:"size:64;uniqueIndex;not null" json:"run_id"`
	Intent  string `gorm:"size:128;index;not null" json:"intent"`
	Version string `gorm:"size:32" json:"version"`
	// Status 为 success 或失败时的错误码
	Status string `gorm:"size:64;index" json:"status"`
	Error  string `gorm:"type:text" json:"error,omitempty"`

	Retries      int `json:"retries"`
	Duplicates   int `json:"duplicates"`
	CircuitTrips int `json:"circuit_trips"`
	Loops        int `json:"loops"`
	Backtracks   int `json:"backtracks"`

	// Outputs 每个原子最终输出的 JSON
	Outputs    string    `gorm:"type:text" json:"outputs"`
	StartedAt  time.Time `gorm:"index" json:"started_at"`
	DurationMS int64     `json:"duration_ms"`
	CreatedAt  time.Time `json:"created_at"`

	Snapshots []SnapshotRecord `gorm:"foreignKey:RunID;references:RunID" json:"snapshots,omitempty"`
}

// TableName implements gorm's tabler.
func (RunRecord) TableName() string { return "workstream_runs" }

// SnapshotRecord 一条上下文快照
type SnapshotRecord struct {
	ID           uint      `gorm:"primaryKey" json:"-"`
	RunID        string    `gorm:"size:64;index:idx_snapshot_run;not null" json:"run_id"`
	SnapshotID   int64     `gorm:"index:idx_snapshot_run" json:"snapshot_id"`
	AtomID       string    `gorm:"size:128;not null" json:"atom_id"`
	InputHash    string    `gorm:"size:64" json:"input_hash"`
	MetadataHash string    `gorm:"size:64" json:"metadata_hash,omitempty"`
	Output       string    `gorm:"type:text" json:"output"`
	Upstream     string    `gorm:"size:512" json:"upstream,omitempty"`
	LoopFlag     bool      `json:"loop_flag"`
	Timestamp    time.Time `json:"timestamp"`
}

// TableName implements gorm's tabler.
func (SnapshotRecord) TableName() string { return "workstream_snapshots" }

// Telemetry 还原遥测汇总
func (r *RunRecord) Telemetry() workstream.TelemetrySummary {
	return workstream.TelemetrySummary{
		Retries:      r.Retries,
		Duplicates:   r.Duplicates,
		CircuitTrips: r.CircuitTrips,
		Loops:        r.Loops,
		Backtracks:   r.Backtracks,
	}
}

// Duration returns the recorded run duration.
func (r *RunRecord) Duration() time.Duration {
	return time.Duration(r.DurationMS) * time.Millisecond
}

// DecodeOutputs 解析归档的原子输出
func (r *RunRecord) DecodeOutputs() (map[string]map[string]any, error) {
	out := make(map[string]map[string]any)
	if r.Outputs == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(r.Outputs), &out); err != nil {
		return nil, fmt.Errorf("decode outputs of run %s: %w", r.RunID, err)
	}
	return out, nil
}

// DecodeOutput 解析快照输出
func (s *SnapshotRecord) DecodeOutput() (map[string]any, error) {
	out := make(map[string]any)
	if s.Output == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(s.Output), &out); err != nil {
		return nil, fmt.Errorf("decode snapshot %d: %w", s.SnapshotID, err)
	}
	return out, nil
}

// DecodeUpstream 解析上游快照 ID 列表
func (s *SnapshotRecord) DecodeUpstream() ([]int64, error) {
	if s.Upstream == "" {
		return nil, nil
	}
	var ids []int64
	if err := json.Unmarshal([]byte(s.Upstream), &ids); err != nil {
		return nil, fmt.Errorf("decode upstream of snapshot %d: %w", s.SnapshotID, err)
	}
	return ids, nil
}

func newRunRecord(res *workstream.RunResult) (*RunRecord, []SnapshotRecord, error) {
	outputs, err := json.Marshal(res.Outputs)
	if err != nil {
		return nil, nil, fmt.Errorf("encode outputs: %w", err)
	}

	status := "success"
	if !res.Succeeded() {
		status = "error"
		if res.ErrorCode != "" {
			status = string(res.ErrorCode)
		}
	}

	rec := &RunRecord{
		RunID:        res.RunID,
		Intent:       res.Intent,
		Version:      res.Version,
		Status:       status,
		Error:        res.Error,
		Retries:      res.Telemetry.Retries,
		Duplicates:   res.Telemetry.Duplicates,
		CircuitTrips: res.Telemetry.CircuitTrips,
		Loops:        res.Telemetry.Loops,
		Backtracks:   res.Telemetry.Backtracks,
		Outputs:      string(outputs),
		StartedAt:    res.StartedAt,
		DurationMS:   res.Duration.Milliseconds(),
	}

	snaps := make([]SnapshotRecord, 0, len(res.Snapshots))
	for _, s := range res.Snapshots {
		out, err := json.Marshal(s.Output)
		if err != nil {
			return nil, nil, fmt.Errorf("encode snapshot %d: %w", s.ID, err)
		}
		var upstream string
		if len(s.Upstream) > 0 {
			b, err := json.Marshal(s.Upstream)
			if err != nil {
				return nil, nil, fmt.Errorf("encode upstream of snapshot %d: %w", s.ID, err)
			}
			upstream = string(b)
		}
		snaps = append(snaps, SnapshotRecord{
			RunID:        res.RunID,
			SnapshotID:   s.ID,
			AtomID:       s.AtomID,
			InputHash:    s.InputHash,
			MetadataHash: s.MetadataHash,
			Output:       string(out),
			Upstream:     upstream,
			LoopFlag:     s.LoopFlag,
			Timestamp:    s.Timestamp,
		})
	}
	return rec, snaps, nil
}
