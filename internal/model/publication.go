package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"gorm.io/datatypes"
)

// SourceNationalPlatform 为全国招标平台适配器的来源标识。
const SourceNationalPlatform = "national-platform"

// 元数据中约定的键。
const (
	MetaSource        = "source"
	MetaProjectNumber = "projectNumber"
)

// PublicationType 为公告类别（封闭集合）。
type PublicationType string

const (
	TypePublicInquiry       PublicationType = "public-inquiry"
	TypeConstructionNotice  PublicationType = "construction-notice"
	TypeBuildingPermit      PublicationType = "building-permit"
	TypeAuthorization       PublicationType = "authorization"
	TypeDecision            PublicationType = "decision"
	TypeOfficialPublication PublicationType = "official-publication"
	TypeOther               PublicationType = "other"
)

// PublicationTypes 返回全部合法类别。
func PublicationTypes() []PublicationType {
	return []PublicationType{
		TypePublicInquiry,
		TypeConstructionNotice,
		TypeBuildingPermit,
		TypeAuthorization,
		TypeDecision,
		TypeOfficialPublication,
		TypeOther,
	}
}

// Valid 判断是否属于封闭集合。
func (t PublicationType) Valid() bool {
	for _, v := range PublicationTypes() {
		if v == t {
			return true
		}
	}
	return false
}

// typeAliases 将来源常见标签映射到类别，键已小写并去除重音。
var typeAliases = map[string]PublicationType{
	"public-inquiry":         TypePublicInquiry,
	"public inquiry":         TypePublicInquiry,
	"enquete publique":       TypePublicInquiry,
	"mise a l'enquete":       TypePublicInquiry,
	"mise a l enquete":       TypePublicInquiry,
	"construction-notice":    TypeConstructionNotice,
	"construction notice":    TypeConstructionNotice,
	"avis de construction":   TypeConstructionNotice,
	"baugesuch":              TypeConstructionNotice,
	"building-permit":        TypeBuildingPermit,
	"building permit":        TypeBuildingPermit,
	"permis de construire":   TypeBuildingPermit,
	"baubewilligung":         TypeBuildingPermit,
	"authorization":          TypeAuthorization,
	"autorisation":           TypeAuthorization,
	"bewilligung":            TypeAuthorization,
	"decision":               TypeDecision,
	"award":                  TypeDecision,
	"adjudication":           TypeDecision,
	"zuschlag":               TypeDecision,
	"official-publication":   TypeOfficialPublication,
	"official publication":   TypeOfficialPublication,
	"publication officielle": TypeOfficialPublication,
	"tender":                 TypeOfficialPublication,
	"appel d'offres":         TypeOfficialPublication,
	"ausschreibung":          TypeOfficialPublication,
	"other":                  TypeOther,
}

// ParseType 将任意标签映射为 PublicationType，未知返回 TypeOther。
// folded 需要调用方事先做大小写与重音折叠。
func ParseType(folded string) PublicationType {
	key := strings.TrimSpace(folded)
	if t, ok := typeAliases[key]; ok {
		return t
	}
	return TypeOther
}

// Publication 表示一条政府公告。
// - IdentityKey: 身份规则序列化结果，唯一索引
// - URL: 全国平台会轮换，允许更新
// - Metadata: 来源相关的开放字段
// - PublishedAt: 首次写入后保持不变
type Publication struct {
	ID          string            `gorm:"primaryKey" json:"id"`
	IdentityKey string            `gorm:"uniqueIndex;not null" json:"-"`
	Title       string            `gorm:"not null" json:"title"`
	Description string            `json:"description"`
	URL         string            `json:"url"`
	Commune     string            `gorm:"index" json:"commune"`
	Canton      string            `gorm:"index;size:2" json:"canton"`
	Type        PublicationType   `gorm:"index" json:"type"`
	PublishedAt time.Time         `gorm:"index" json:"published_at"`
	Metadata    datatypes.JSONMap `json:"metadata"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// Source 返回 metadata.source。
func (p Publication) Source() string {
	return metaString(p.Metadata, MetaSource)
}

// ProjectNumber 返回 metadata.projectNumber。
func (p Publication) ProjectNumber() string {
	return metaString(p.Metadata, MetaProjectNumber)
}

// IdentityKey 计算身份规则：全国平台且带项目编号时取项目编号，否则取 (url, commune)。
// 批内去重与持久化都必须使用这一函数。
func IdentityKey(p Publication) string {
	if p.Source() == SourceNationalPlatform {
		if pn := p.ProjectNumber(); pn != "" {
			return "project:" + pn
		}
	}
	return "url:" + strings.TrimSpace(p.URL) + "|" + strings.TrimSpace(p.Commune)
}

func metaString(m datatypes.JSONMap, key string) string {
	if m == nil {
		return ""
	}
	switch v := m[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case nil:
		return ""
	default:
		return strings.TrimSpace(toString(v))
	}
}

func toString(v any) string {
	switch val := v.(type) {
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	default:
		return fmt.Sprintf("%v", val)
	}
}
