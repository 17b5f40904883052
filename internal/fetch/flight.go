package fetch

import "context"

// flight 描述一次共享传输：ctx 与发起者解耦，只有全部等待者都离开时才取消。
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

// join 登记一个等待者；首个等待者以自身 ctx 的值（不含取消）创建 flight。
func (d *Downloader) join(key string, parent context.Context) *flight {
	d.mu.Lock()
	defer d.mu.Unlock()

	f, ok := d.flights[key]
	if !ok {
		ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
		f = &flight{ctx: ctx, cancel: cancel}
		d.flights[key] = f
	}
	f.waiters++
	return f
}

// leave 注销等待者，返回 true 表示它是最后一个，此时 flight 已被取消。
func (d *Downloader) leave(key string, f *flight) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	f.waiters--
	if f.waiters > 0 {
		return false
	}
	f.cancel()
	if d.flights[key] == f {
		delete(d.flights, key)
	}
	return true
}
