package lock

import "github.com/zhoumingliang/innostore/storage/basic"

// waitGraph 等待图。边T1→T2表示T1在等待T2持有的资源。
// 每次检测时从锁表全量重建，避免增量维护的状态漂移。
type waitGraph struct {
	edges map[basic.TrxID]map[basic.TrxID]struct{}
}

func newWaitGraph() *waitGraph {
	return &waitGraph{edges: make(map[basic.TrxID]map[basic.TrxID]struct{})}
}

// addEdge 添加等待边
func (g *waitGraph) addEdge(waiter, holder basic.TrxID) {
	if waiter == holder {
		return
	}
	if g.edges[waiter] == nil {
		g.edges[waiter] = make(map[basic.TrxID]struct{})
	}
	g.edges[waiter][holder] = struct{}{}
}

// findCycle DFS寻找等待环，返回环上的事务；无环返回nil
func (g *waitGraph) findCycle() []basic.TrxID {
	const (
		white = 0 // 未访问
		gray  = 1 // 在当前DFS路径上
		black = 2 // 已完成
	)
	color := make(map[basic.TrxID]int, len(g.edges))
	parent := make(map[basic.TrxID]basic.TrxID)

	var cycle []basic.TrxID
	var dfs func(t basic.TrxID) bool
	dfs = func(t basic.TrxID) bool {
		color[t] = gray
		for next := range g.edges[t] {
			switch color[next] {
			case white:
				parent[next] = t
				if dfs(next) {
					return true
				}
			case gray:
				// 回边，沿parent链还原环
				cycle = append(cycle, next)
				for cur := t; cur != next; cur = parent[cur] {
					cycle = append(cycle, cur)
				}
				return true
			}
		}
		color[t] = black
		return false
	}

	for t := range g.edges {
		if color[t] == white {
			if dfs(t) {
				return cycle
			}
		}
	}
	return nil
}
