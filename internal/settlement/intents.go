package settlement

import "sync/atomic"

// intents 操作员意图
//
// 每个意图是一个粘滞的布尔标志：UI 协程写，编排器读并在固定检查点清除。
// 不是队列，消费前重复设置等同于设置一次。
type intents struct {
	fix          atomic.Bool
	cancel       atomic.Bool
	errorRestore atomic.Bool
	errorCancel  atomic.Bool

	// wake 单槽通道，设置任意意图时唤醒等待中的错误诊断循环
	wake chan struct{}
}

func newIntents() *intents {
	return &intents{wake: make(chan struct{}, 1)}
}

func (i *intents) set(flag *atomic.Bool) {
	flag.Store(true)
	select {
	case i.wake <- struct{}{}:
	default:
	}
}

// take 读取并清除标志，返回清除前的值
func take(flag *atomic.Bool) bool {
	return flag.Swap(false)
}
