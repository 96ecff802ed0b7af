// Package code は検証コードの生成を提供する。
package code

import (
	"crypto/rand"
	"fmt"
	"time"
)

const (
	// alphabet は見間違えやすい文字（0, O, 1, I）を除いた32文字。
	// 32は256を割り切るため、バイト値の下位5ビットをそのまま使っても偏りが出ない。
	alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	// Length は検証コードの文字数。32^8 = 2^40 通り。
	Length = 8
	// DefaultWindow は検証コードの有効期間のデフォルト値。
	DefaultWindow = 10 * time.Minute
)

// Code は生成された検証コードと有効期間。
type Code struct {
	Value     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Generator は検証コードを生成する。
// 状態を持たないため、複数のgoroutineから同時に呼び出せる。
type Generator struct {
	window time.Duration
	now    func() time.Time
}

// NewGenerator はGeneratorを生成する。windowが0以下の場合はDefaultWindowを使用する。
func NewGenerator(window time.Duration) *Generator {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Generator{
		window: window,
		now:    time.Now,
	}
}

// Window は有効期間を返す。
func (g *Generator) Window() time.Duration {
	return g.window
}

// Generate は新しい検証コードを生成する。ExpiresAtは常にIssuedAtより後になる。
func (g *Generator) Generate() (Code, error) {
	buf := make([]byte, Length)
	if _, err := rand.Read(buf); err != nil {
		return Code{}, fmt.Errorf("failed to read random bytes: %w", err)
	}

	out := make([]byte, Length)
	for i, b := range buf {
		out[i] = alphabet[int(b)&(len(alphabet)-1)]
	}

	issued := g.now().UTC()
	return Code{
		Value:     string(out),
		IssuedAt:  issued,
		ExpiresAt: issued.Add(g.window),
	}, nil
}
