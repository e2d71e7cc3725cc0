package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// StepName 步骤日志中的 step 字段
type StepName string

const (
	StepQueuedForWorker    StepName = "queued_for_worker"
	StepClaimed            StepName = "claimed"
	StepAICallStart        StepName = "ai_call_start"
	StepAIResponseReceived StepName = "ai_response_received"
	StepArtifactUploaded   StepName = "artifact_upload_success"
	StepCompleted          StepName = "completed"
	StepFailed             StepName = "failed"
	StepStaleAutoStopped   StepName = "stale_auto_stopped"
	StepRefunded           StepName = "refunded"
)

// StepDetail 步骤的具体内容，每种步骤对应一个具体类型
type StepDetail interface {
	StepName() StepName
}

// Step 追加式步骤日志的一条记录，序列化为 {"step": ..., "ts": ..., 其余字段}
type Step struct {
	At     time.Time
	Detail StepDetail
}

// NewStep 创建步骤记录
func NewStep(at time.Time, detail StepDetail) Step {
	return Step{At: at.UTC(), Detail: detail}
}

// Name 返回步骤名称
func (s Step) Name() StepName {
	if s.Detail == nil {
		return ""
	}
	return s.Detail.StepName()
}

// QueuedForWorker 入队时写入的任务载荷，worker 从这里读取生成参数
type QueuedForWorker struct {
	ModelSlug       string   `json:"modelSlug"`
	ModelName       string   `json:"modelName"`
	Prompt          string   `json:"prompt"`
	ReferenceImages []string `json:"referenceImages"`
	Origin          string   `json:"origin"`
	GuardAction     string   `json:"guardAction,omitempty"`
	MatchedTerms    []string `json:"matchedTerms,omitempty"`
}

type Claimed struct {
	WorkerID string `json:"workerId"`
	Attempt  int    `json:"attempt"`
}

// Marker 无附加数据的进度步骤，例如 ai_call_start
type Marker struct {
	Name   StepName `json:"-"`
	Reason string   `json:"reason,omitempty"`
}

type ArtifactUploaded struct {
	URL string `json:"url"`
}

type Completed struct {
	WrapID string `json:"wrapId"`
}

type Failed struct {
	Reason string `json:"reason"`
}

type StaleAutoStopped struct {
	Reason string `json:"reason"`
}

type Refunded struct {
	Reason string `json:"reason"`
	Amount int    `json:"amount"`
}

// UnknownStep 保留无法识别的历史步骤，避免旧数据解码失败
type UnknownStep struct {
	Name   StepName
	Fields map[string]json.RawMessage
}

func (*QueuedForWorker) StepName() StepName  { return StepQueuedForWorker }
func (*Claimed) StepName() StepName          { return StepClaimed }
func (m *Marker) StepName() StepName         { return m.Name }
func (*ArtifactUploaded) StepName() StepName { return StepArtifactUploaded }
func (*Completed) StepName() StepName        { return StepCompleted }
func (*Failed) StepName() StepName           { return StepFailed }
func (*StaleAutoStopped) StepName() StepName { return StepStaleAutoStopped }
func (*Refunded) StepName() StepName         { return StepRefunded }
func (u *UnknownStep) StepName() StepName    { return u.Name }

func (s Step) MarshalJSON() ([]byte, error) {
	fields := map[string]json.RawMessage{}

	switch d := s.Detail.(type) {
	case nil:
		return nil, fmt.Errorf("步骤内容为空")
	case *UnknownStep:
		for k, v := range d.Fields {
			fields[k] = v
		}
	default:
		raw, err := json.Marshal(d)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, err
		}
	}

	name, _ := json.Marshal(s.Name())
	ts, _ := json.Marshal(s.At.UTC().Format(time.RFC3339Nano))
	fields["step"] = name
	fields["ts"] = ts
	return json.Marshal(fields)
}

func (s *Step) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}

	var name StepName
	if raw, ok := fields["step"]; ok {
		if err := json.Unmarshal(raw, &name); err != nil {
			return fmt.Errorf("解析 step 字段失败: %w", err)
		}
	}

	s.At = time.Time{}
	if raw, ok := fields["ts"]; ok {
		var ts string
		if err := json.Unmarshal(raw, &ts); err == nil {
			if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
				s.At = parsed
			}
		}
	}

	var detail StepDetail
	switch name {
	case StepQueuedForWorker:
		detail = &QueuedForWorker{}
	case StepClaimed:
		detail = &Claimed{}
	case StepAICallStart, StepAIResponseReceived:
		detail = &Marker{Name: name}
	case StepArtifactUploaded:
		detail = &ArtifactUploaded{}
	case StepCompleted:
		detail = &Completed{}
	case StepFailed:
		detail = &Failed{}
	case StepStaleAutoStopped:
		detail = &StaleAutoStopped{}
	case StepRefunded:
		detail = &Refunded{}
	default:
		delete(fields, "step")
		delete(fields, "ts")
		s.Detail = &UnknownStep{Name: name, Fields: fields}
		return nil
	}

	if err := json.Unmarshal(data, detail); err != nil {
		// 字段类型不符时保留原始内容，由调用方判定载荷是否可用
		delete(fields, "step")
		delete(fields, "ts")
		s.Detail = &UnknownStep{Name: name, Fields: fields}
		return nil
	}
	s.Detail = detail
	return nil
}
