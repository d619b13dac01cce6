package uploader

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// waitFor 轮询等待条件成立，避免测试里依赖固定的 sleep
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestSchedulerRunsAllTasks(t *testing.T) {
	s := NewTaskScheduler(2)
	var count int32

	for i := 0; i < 10; i++ {
		s.Add(func() { atomic.AddInt32(&count, 1) })
	}
	s.Start()

	waitFor(t, time.Second, func() bool { return atomic.LoadInt32(&count) == 10 }, "任务未全部执行")
}

func TestSchedulerConcurrencyCap(t *testing.T) {
	const limit = 3
	s := NewTaskScheduler(limit)

	var current, max int32
	var wg sync.WaitGroup
	wg.Add(20)
	for i := 0; i < 20; i++ {
		s.Add(func() {
			defer wg.Done()
			n := atomic.AddInt32(&current, 1)
			// 记录观察到的最大并发
			for {
				m := atomic.LoadInt32(&max)
				if n <= m || atomic.CompareAndSwapInt32(&max, m, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt32(&current, -1)
		})
	}
	s.Start()
	wg.Wait()

	if got := atomic.LoadInt32(&max); got > limit {
		t.Errorf("观察到的最大并发 = %d, 超过上限 %d", got, limit)
	}
}

func TestSchedulerDrain(t *testing.T) {
	s := NewTaskScheduler(2)
	drained := make(chan struct{}, 1)
	s.OnDrain(func() { drained <- struct{}{} })

	for i := 0; i < 5; i++ {
		s.Add(func() { time.Sleep(time.Millisecond) })
	}
	s.Start()

	select {
	case <-drained:
	case <-time.After(time.Second):
		t.Fatal("未收到排空事件")
	}
	if s.Status() != SchedulerPaused {
		t.Errorf("排空后状态 = %s, 期望 paused", s.Status())
	}
}

func TestSchedulerPause(t *testing.T) {
	s := NewTaskScheduler(1)
	var count int32
	block := make(chan struct{})

	// 第一个任务阻塞住并发额度
	s.AddAndStart(func() {
		atomic.AddInt32(&count, 1)
		<-block
	})
	waitFor(t, time.Second, func() bool { return atomic.LoadInt32(&count) == 1 }, "首个任务未启动")

	s.Add(func() { atomic.AddInt32(&count, 1) })
	s.Pause()
	close(block) // 在途任务自然完成

	// 暂停后排队任务不能被派发
	time.Sleep(50 * time.Millisecond)
	if got := atomic.LoadInt32(&count); got != 1 {
		t.Fatalf("暂停后仍有任务被派发, count = %d", got)
	}
	if s.Pending() != 1 {
		t.Fatalf("Pending = %d, 期望 1", s.Pending())
	}

	// 恢复后继续执行
	s.Start()
	waitFor(t, time.Second, func() bool { return atomic.LoadInt32(&count) == 2 }, "恢复后任务未执行")
}

func TestSchedulerClear(t *testing.T) {
	s := NewTaskScheduler(1)
	var count int32

	for i := 0; i < 5; i++ {
		s.Add(func() { atomic.AddInt32(&count, 1) })
	}
	s.Clear()
	s.Start()

	time.Sleep(30 * time.Millisecond)
	if got := atomic.LoadInt32(&count); got != 0 {
		t.Errorf("Clear 后仍执行了 %d 个任务", got)
	}
	if s.Status() != SchedulerPaused {
		t.Errorf("空队列启动后状态 = %s, 期望 paused", s.Status())
	}
}

func TestSchedulerSetConcurrency(t *testing.T) {
	s := NewTaskScheduler(1)
	block := make(chan struct{})
	var started int32

	for i := 0; i < 3; i++ {
		s.Add(func() {
			atomic.AddInt32(&started, 1)
			<-block
		})
	}
	s.Start()
	waitFor(t, time.Second, func() bool { return atomic.LoadInt32(&started) == 1 }, "首个任务未启动")

	// 放宽并发上限应立即触发新的派发
	s.SetConcurrency(3)
	waitFor(t, time.Second, func() bool { return atomic.LoadInt32(&started) == 3 }, "放宽并发后任务未被派发")
	close(block)
}
