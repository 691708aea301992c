// Package presence はユーザーIDとライブ接続の対応表を管理する。
//
// 1ユーザーにつき保持する接続は最新の1本のみで、後からjoinした接続が前の接続を上書きする。
// 上書きされた古い接続が切断されても、現在の接続のエントリは削除されない。
package presence

import (
	"log/slog"
	"sync"
)

// Conn はイベントを送信できるライブ接続を表す。
// Emit はブロックしてはならない。送信バッファが満杯の場合は破棄してよい。
type Conn interface {
	ID() string
	Emit(event string, data any)
}

// Registry はユーザーIDから現在の接続へのマップ。並行利用に対して安全。
type Registry struct {
	mu     sync.RWMutex
	byUser map[string]Conn
	byConn map[string]string // conn ID -> user ID
	logger *slog.Logger
}

// NewRegistry は空のRegistryを生成する。
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		byUser: make(map[string]Conn),
		byConn: make(map[string]string),
		logger: logger,
	}
}

// Join はuserIDの接続をconnに設定する。既存の接続があれば上書きし、それを返す。
// 同じconnが別ユーザーでjoinし直した場合は前のユーザーのエントリを解除する。
func (r *Registry) Join(userID string, conn Conn) (replaced Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prevUser, ok := r.byConn[conn.ID()]; ok && prevUser != userID {
		if cur, ok := r.byUser[prevUser]; ok && cur.ID() == conn.ID() {
			delete(r.byUser, prevUser)
		}
	}

	if prev, ok := r.byUser[userID]; ok && prev.ID() != conn.ID() {
		replaced = prev
		delete(r.byConn, prev.ID())
		r.logger.Info("presence overwritten by newer connection",
			slog.String("user_id", userID),
			slog.String("old_conn_id", prev.ID()),
			slog.String("new_conn_id", conn.ID()),
		)
	}

	r.byUser[userID] = conn
	r.byConn[conn.ID()] = userID
	return replaced
}

// Lookup はuserIDの現在の接続を返す。オフラインの場合はnilを返す。
func (r *Registry) Lookup(userID string) Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byUser[userID]
}

// UserOf はconnがjoinしているユーザーIDを返す。
func (r *Registry) UserOf(conn Conn) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	userID, ok := r.byConn[conn.ID()]
	return userID, ok
}

// Leave はconnが現在のエントリである場合に限り削除し、削除したユーザーIDとtrueを返す。
// connが既に新しい接続に上書きされている場合は何もせずfalseを返す。
func (r *Registry) Leave(conn Conn) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	userID, ok := r.byConn[conn.ID()]
	if !ok {
		return "", false
	}
	delete(r.byConn, conn.ID())

	cur, ok := r.byUser[userID]
	if !ok || cur.ID() != conn.ID() {
		return userID, false
	}
	delete(r.byUser, userID)
	return userID, true
}

// Online は現在オンラインのユーザーIDを返す。順序は不定。
func (r *Registry) Online() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.byUser))
	for id := range r.byUser {
		ids = append(ids, id)
	}
	return ids
}

// Count はオンラインのユーザー数を返す。
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}

// Broadcast はexceptUserID以外のすべての接続にイベントを送信する。
// ロックを保持したままEmitしないよう、接続の一覧を複製してから送信する。
func (r *Registry) Broadcast(event string, data any, exceptUserID string) {
	r.mu.RLock()
	targets := make([]Conn, 0, len(r.byUser))
	for userID, conn := range r.byUser {
		if userID == exceptUserID {
			continue
		}
		targets = append(targets, conn)
	}
	r.mu.RUnlock()

	for _, conn := range targets {
		conn.Emit(event, data)
	}
}

// Shutdown はすべてのエントリを破棄する。永続化は行わない。
func (r *Registry) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byUser = make(map[string]Conn)
	r.byConn = make(map[string]string)
}
