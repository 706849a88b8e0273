package processor

import (
	"errors"
	"fmt"
	"strings"

	"veille/internal/fetcher"
	"veille/internal/model"
	"veille/internal/textnorm"

	"gorm.io/datatypes"
)

// ErrInvalidRecord 表示原始记录缺少必填字段。
var ErrInvalidRecord = errors.New("invalid record")

// Normalize 将原始记录映射为标准 Publication：校验必填字段、补全描述、
// 写入 metadata.source，并保留所有来源字段。
func Normalize(raw fetcher.RawPublication) (model.Publication, error) {
	title := strings.Join(strings.Fields(raw.Title), " ")
	link := strings.TrimSpace(raw.URL)
	canton := strings.ToUpper(strings.TrimSpace(raw.Canton))
	source := strings.TrimSpace(raw.Source)

	switch {
	case title == "":
		return model.Publication{}, fmt.Errorf("%w: missing title", ErrInvalidRecord)
	case link == "":
		return model.Publication{}, fmt.Errorf("%w: missing url for %q", ErrInvalidRecord, title)
	case len(canton) != 2:
		return model.Publication{}, fmt.Errorf("%w: invalid canton %q for %q", ErrInvalidRecord, raw.Canton, title)
	case raw.PublishedAt.IsZero():
		return model.Publication{}, fmt.Errorf("%w: missing publication date for %q", ErrInvalidRecord, title)
	case source == "":
		return model.Publication{}, fmt.Errorf("%w: missing source for %q", ErrInvalidRecord, title)
	}

	meta := datatypes.JSONMap{}
	for k, v := range raw.Fields {
		meta[k] = v
	}
	meta[model.MetaSource] = source

	typ := model.PublicationType(strings.TrimSpace(raw.Type))
	if !typ.Valid() {
		typ = model.ParseType(textnorm.Fold(raw.Type))
	}

	return model.Publication{
		Title:       title,
		Description: strings.TrimSpace(raw.Description),
		URL:         link,
		Commune:     strings.Join(strings.Fields(raw.Commune), " "),
		Canton:      canton,
		Type:        typ,
		PublishedAt: raw.PublishedAt.UTC(),
		Metadata:    meta,
	}, nil
}

// NormalizeAll 批量归一化，非法记录被丢弃并计数。
func NormalizeAll(raws []fetcher.RawPublication) ([]model.Publication, []error) {
	pubs := make([]model.Publication, 0, len(raws))
	var errs []error
	for _, raw := range raws {
		p, err := Normalize(raw)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		pubs = append(pubs, p)
	}
	return pubs, errs
}
