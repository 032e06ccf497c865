package services

import (
	"sync"

	"ramp-aggregator/provider-router/internal/adapters"
)

// Registry 供应商注册表
// 保留注册顺序，遍历顺序决定报价相同时的胜出者。
// 可选能力在注册时登记，编排层按能力查询而不对供应商做类型判断
type Registry struct {
	mu        sync.RWMutex
	providers map[string]adapters.Provider
	sessions  map[string]adapters.SessionIssuer
	order     []string
}

// NewRegistry 创建空注册表
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]adapters.Provider),
		sessions:  make(map[string]adapters.SessionIssuer),
	}
}

// Register 注册供应商
// 相同ID重复注册时替换实例但保留原来的位置，返回true表示发生了替换
func (r *Registry) Register(provider adapters.Provider) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := provider.GetID()
	_, exists := r.providers[id]
	r.providers[id] = provider
	if !exists {
		r.order = append(r.order, id)
	}

	if issuer, ok := provider.(adapters.SessionIssuer); ok {
		r.sessions[id] = issuer
	} else {
		delete(r.sessions, id)
	}
	return exists
}

// SessionIssuer 获取供应商登记的会话签发能力
func (r *Registry) SessionIssuer(id string) (adapters.SessionIssuer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	issuer, ok := r.sessions[id]
	return issuer, ok
}

// Get 按ID查找供应商
func (r *Registry) Get(id string) (adapters.Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	provider, ok := r.providers[id]
	return provider, ok
}

// List 按注册顺序返回所有供应商
func (r *Registry) List() []adapters.Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := make([]adapters.Provider, 0, len(r.order))
	for _, id := range r.order {
		list = append(list, r.providers[id])
	}
	return list
}

// Len 已注册数量
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}
