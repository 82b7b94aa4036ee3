// Package pushtest 记录发布调用的内存 Publisher，可注入失败。
package pushtest

import (
	"context"
	"sync"
)

type Published struct {
	Subject string
	Data    []byte
	MsgID   string
}

type Recorder struct {
	mu   sync.Mutex
	sent []Published
	// Fail 返回非 nil 时该次发布失败
	Fail func(subject string) error
	// Block 为 true 时阻塞到 ctx 结束
	Block bool
}

func (r *Recorder) Publish(ctx context.Context, subject string, data []byte, msgID string) error {
	r.mu.Lock()
	fail, block := r.Fail, r.Block
	r.sent = append(r.sent, Published{Subject: subject, Data: append([]byte(nil), data...), MsgID: msgID})
	r.mu.Unlock()
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	if fail != nil {
		return fail(subject)
	}
	return nil
}

// Sent 所有发布尝试（含失败的）
func (r *Recorder) Sent() []Published {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Published, len(r.sent))
	copy(out, r.sent)
	return out
}

func (r *Recorder) Subjects() []string {
	sent := r.Sent()
	out := make([]string, len(sent))
	for i, p := range sent {
		out[i] = p.Subject
	}
	return out
}
