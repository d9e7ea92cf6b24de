package storage

import (
	"context"
	"log/slog"
)

const probeKey = "__savlink_storage_probe__"

// Capabilities はストレージ階層ごとの利用可否。
type Capabilities struct {
	Durable bool `json:"durable"`
	Session bool `json:"session"`
}

// Probe はdurable階層とsession階層が実際に読み書きできるかを確認する。
// 書き込み、読み戻し、削除のいずれかに失敗した階層は利用不可とする。
// 失敗はエラーとして返さず、結果にのみ反映する。
func Probe(ctx context.Context, tiers Tiers, logger *slog.Logger) Capabilities {
	if logger == nil {
		logger = slog.Default()
	}
	return Capabilities{
		Durable: probeStore(ctx, tiers.Durable, TierDurable, logger),
		Session: probeStore(ctx, tiers.Session, TierSession, logger),
	}
}

func probeStore(ctx context.Context, store KeyValueStore, tier Tier, logger *slog.Logger) bool {
	if store == nil {
		return false
	}

	if err := store.Set(ctx, probeKey, "1"); err != nil {
		logger.Debug("storage probe write failed",
			slog.String("tier", string(tier)),
			slog.String("error", err.Error()),
		)
		return false
	}

	v, ok, err := store.Get(ctx, probeKey)
	if err != nil || !ok || v != "1" {
		logger.Debug("storage probe read failed", slog.String("tier", string(tier)))
		return false
	}

	if err := store.Delete(ctx, probeKey); err != nil {
		logger.Debug("storage probe delete failed",
			slog.String("tier", string(tier)),
			slog.String("error", err.Error()),
		)
		return false
	}
	return true
}
