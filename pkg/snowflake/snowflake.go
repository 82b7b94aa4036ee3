package snowflake

import (
	"fmt"
	"runtime"
	"sync"
	"time"
)

// 布局：1 位符号位(0) + 41 位时间戳 + 5 位数据中心 + 5 位机器 + 12 位序列号
const (
	machineBits    = 5
	datacenterBits = 5
	sequenceBits   = 12

	MaxMachineID    = (1 << machineBits) - 1
	MaxDatacenterID = (1 << datacenterBits) - 1
	MaxSequence     = (1 << sequenceBits) - 1

	machineShift    = sequenceBits
	datacenterShift = sequenceBits + machineBits
	timestampShift  = sequenceBits + machineBits + datacenterBits
)

// Epoch 自定义纪元 2024-01-01T00:00:00Z（毫秒）
var Epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()

// Clock 返回当前 Unix 毫秒
type Clock func() int64

// Generator 雪花 ID 生成器；lastTimestamp 与 sequence 由同一把锁保护。
type Generator struct {
	datacenterID uint64
	machineID    uint64
	epoch        int64
	now          Clock

	mu            sync.Mutex
	lastTimestamp int64
	sequence      uint64
}

type Option func(*Generator)

// WithClock 替换时钟（测试用）
func WithClock(c Clock) Option { return func(g *Generator) { g.now = c } }

// WithEpoch 替换纪元
func WithEpoch(ms int64) Option { return func(g *Generator) { g.epoch = ms } }

// New 创建生成器，datacenterID / machineID 取值 [0, 31]
func New(datacenterID, machineID int64, opts ...Option) (*Generator, error) {
	if datacenterID < 0 || datacenterID > MaxDatacenterID {
		return nil, fmt.Errorf("datacenter id %d out of range [0, %d]", datacenterID, MaxDatacenterID)
	}
	if machineID < 0 || machineID > MaxMachineID {
		return nil, fmt.Errorf("machine id %d out of range [0, %d]", machineID, MaxMachineID)
	}
	g := &Generator{
		datacenterID: uint64(datacenterID),
		machineID:    uint64(machineID),
		epoch:        Epoch,
		now:          func() int64 { return time.Now().UnixMilli() },
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// NextID 生成下一个 ID，可并发调用。
func (g *Generator) NextID() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	ts := g.now()
	// 时钟回拨：钳制到上次时间戳，不回退
	if ts < g.lastTimestamp {
		ts = g.lastTimestamp
	}

	if ts == g.lastTimestamp {
		g.sequence++
		if g.sequence > MaxSequence {
			ts = g.waitNextMillis(g.lastTimestamp)
			g.sequence = 0
		}
	} else {
		g.sequence = 0
	}
	g.lastTimestamp = ts

	return uint64(ts-g.epoch)<<timestampShift |
		g.datacenterID<<datacenterShift |
		g.machineID<<machineShift |
		g.sequence
}

// NextInt64 供数据库 bigint 列使用，符号位恒为 0。
func (g *Generator) NextInt64() int64 { return int64(g.NextID()) }

func (g *Generator) waitNextMillis(last int64) int64 {
	ts := g.now()
	for ts <= last {
		runtime.Gosched()
		ts = g.now()
	}
	return ts
}

// Timestamp 解析相对纪元的毫秒数
func Timestamp(id uint64) int64 { return int64(id >> timestampShift) }

// Time 按默认纪元还原生成时间
func Time(id uint64) time.Time { return time.UnixMilli(Timestamp(id) + Epoch) }

func DatacenterID(id uint64) int64 { return int64((id >> datacenterShift) & MaxDatacenterID) }

func MachineID(id uint64) int64 { return int64((id >> machineShift) & MaxMachineID) }

func Sequence(id uint64) int64 { return int64(id & MaxSequence) }
