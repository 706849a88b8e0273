package processor

import (
	"veille/internal/model"
	"veille/internal/textnorm"
)

// DedupConfig 控制批内去重。
type DedupConfig struct {
	// FingerprintFallback 为 true 时，非全国平台记录再按 (公社, 标题, 发布日期) 合并一次。
	// 该键只用于批内，跨批次仍由存储按身份规则去重。
	FingerprintFallback bool `yaml:"fingerprint_fallback" json:"fingerprint_fallback"`
}

// Dedup 按身份规则保留每个键的一条记录，输出顺序为各键首次出现的顺序。
func Dedup(pubs []model.Publication, cfg DedupConfig) []model.Publication {
	out := collapse(pubs, model.IdentityKey)
	if cfg.FingerprintFallback {
		out = collapse(out, fingerprintKey)
	}
	return out
}

func collapse(pubs []model.Publication, key func(model.Publication) string) []model.Publication {
	index := make(map[string]int, len(pubs))
	out := make([]model.Publication, 0, len(pubs))
	for _, p := range pubs {
		k := key(p)
		i, seen := index[k]
		if !seen {
			index[k] = len(out)
			out = append(out, p)
			continue
		}
		if preferred(p, out[i]) {
			out[i] = p
		}
	}
	return out
}

// preferred 判断 candidate 是否优于 current：非默认类别优先，其次发布时间更新者，否则保留先出现者。
func preferred(candidate, current model.Publication) bool {
	candSpecific := candidate.Type != model.TypeOther && candidate.Type != ""
	currSpecific := current.Type != model.TypeOther && current.Type != ""
	if candSpecific != currSpecific {
		return candSpecific
	}
	return candidate.PublishedAt.After(current.PublishedAt)
}

func fingerprintKey(p model.Publication) string {
	if p.Source() == model.SourceNationalPlatform && p.ProjectNumber() != "" {
		return model.IdentityKey(p)
	}
	return "fp:" + textnorm.Fold(p.Commune) + "|" + textnorm.Fold(p.Title) + "|" + p.PublishedAt.UTC().Format("2006-01-02")
}
