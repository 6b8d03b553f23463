package buffer_pool

import (
	"container/list"
	"time"
)

// EvictionPolicy 驱逐策略接口。所有方法在分片锁内调用，无需自行加锁。
// PickVictim只能返回pin计数为0的页面。
type EvictionPolicy interface {
	Name() string
	OnInsert(p *BufferPage)
	OnAccess(p *BufferPage)
	OnRemove(p *BufferPage)
	PickVictim() *BufferPage
}

// NewPolicy 按名称创建驱逐策略
func NewPolicy(name string, capacity int) (EvictionPolicy, error) {
	switch name {
	case "", "clock":
		return newClockPolicy(capacity), nil
	case "lru":
		return newLRUPolicy(capacity), nil
	default:
		return nil, ErrUnknownPolicy
	}
}

// clockPolicy 时钟扫描驱逐，默认策略
type clockPolicy struct {
	ring []*BufferPage
	hand int
}

func newClockPolicy(capacity int) *clockPolicy {
	return &clockPolicy{ring: make([]*BufferPage, 0, capacity)}
}

func (c *clockPolicy) Name() string { return "clock" }

func (c *clockPolicy) OnInsert(p *BufferPage) {
	p.setRef()
	c.ring = append(c.ring, p)
}

func (c *clockPolicy) OnAccess(p *BufferPage) {
	p.setRef()
}

func (c *clockPolicy) OnRemove(p *BufferPage) {
	for i, q := range c.ring {
		if q == p {
			c.ring = append(c.ring[:i], c.ring[i+1:]...)
			if c.hand > i {
				c.hand--
			}
			return
		}
	}
}

func (c *clockPolicy) PickVictim() *BufferPage {
	n := len(c.ring)
	if n == 0 {
		return nil
	}
	// 两轮扫描：第一轮清引用位，第二轮找到引用位为0的未固定页面
	for sweep := 0; sweep < 2*n; sweep++ {
		if c.hand >= len(c.ring) {
			c.hand = 0
		}
		p := c.ring[c.hand]
		if p.PinCount() > 0 {
			c.hand++
			continue
		}
		if p.referenced() {
			p.clearRef()
			c.hand++
			continue
		}
		c.ring = append(c.ring[:c.hand], c.ring[c.hand+1:]...)
		return p
	}
	return nil
}

// lruPolicy young/old两段LRU。
// 新页面进old区头部，驻留超过oldBlockTime后再次访问才晋升young区，
// 避免一次性扫描冲刷热点页面。
type lruPolicy struct {
	young        *list.List
	old          *list.List
	oldBlockTime time.Duration
	youngTarget  int
}

func newLRUPolicy(capacity int) *lruPolicy {
	youngTarget := capacity * 3 / 4
	if youngTarget < 1 {
		youngTarget = 1
	}
	return &lruPolicy{
		young:        list.New(),
		old:          list.New(),
		oldBlockTime: time.Second,
		youngTarget:  youngTarget,
	}
}

func (l *lruPolicy) Name() string { return "lru" }

func (l *lruPolicy) OnInsert(p *BufferPage) {
	p.young = false
	p.insertTime = time.Now()
	p.elem = l.old.PushFront(p)
}

func (l *lruPolicy) OnAccess(p *BufferPage) {
	elem, ok := p.elem.(*list.Element)
	if !ok {
		return
	}
	if p.young {
		l.young.MoveToFront(elem)
		return
	}
	if time.Since(p.insertTime) >= l.oldBlockTime || l.young.Len() < l.youngTarget {
		l.old.Remove(elem)
		p.young = true
		p.elem = l.young.PushFront(p)
	} else {
		l.old.MoveToFront(elem)
	}
}

func (l *lruPolicy) OnRemove(p *BufferPage) {
	if elem, ok := p.elem.(*list.Element); ok {
		if p.young {
			l.young.Remove(elem)
		} else {
			l.old.Remove(elem)
		}
		p.elem = nil
	}
}

func (l *lruPolicy) PickVictim() *BufferPage {
	for _, lst := range []*list.List{l.old, l.young} {
		for elem := lst.Back(); elem != nil; elem = elem.Prev() {
			p := elem.Value.(*BufferPage)
			if p.PinCount() == 0 {
				lst.Remove(elem)
				p.elem = nil
				return p
			}
		}
	}
	return nil
}
