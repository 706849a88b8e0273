package fetcher

import (
	"bytes"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"veille/internal/model"
	"veille/internal/textnorm"

	"github.com/ledongthuc/pdf"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// DocumentInfo 描述一份公报文档的上下文，解析结果从中继承来源、州与链接。
type DocumentInfo struct {
	Source         string
	Canton         string
	URL            string
	PublishedAt    time.Time
	DefaultCommune string
}

// typeRules 按顺序匹配折叠后的文本，先命中者生效。
var typeRules = []struct {
	needle string
	typ    model.PublicationType
}{
	{"mise a l'enquete", model.TypePublicInquiry},
	{"enquete publique", model.TypePublicInquiry},
	{"offentliche auflage", model.TypePublicInquiry},
	{"permis de construire", model.TypeBuildingPermit},
	{"baubewilligung", model.TypeBuildingPermit},
	{"avis de construction", model.TypeConstructionNotice},
	{"requete en autorisation de construire", model.TypeConstructionNotice},
	{"baugesuch", model.TypeConstructionNotice},
	{"autorisation", model.TypeAuthorization},
	{"bewilligung", model.TypeAuthorization},
	{"decision", model.TypeDecision},
	{"verfugung", model.TypeDecision},
	{"publication officielle", model.TypeOfficialPublication},
	{"avis officiel", model.TypeOfficialPublication},
}

// InferType 从自由文本推断类别，无法推断时返回 TypeOther。
func InferType(text string) model.PublicationType {
	folded := textnorm.Fold(text)
	for _, r := range typeRules {
		if strings.Contains(folded, r.needle) {
			return r.typ
		}
	}
	return model.TypeOther
}

var (
	communeHeaderPrefixes = []string{"commune de ", "commune d'", "commune : ", "commune: ", "gemeinde "}
	parcelExpr            = regexp.MustCompile(`(?i)^parcelles?\s*(?:n[°o]s?\.?|numeros?)?\s*:?\s*([0-9][0-9 ,/-]*[0-9]|[0-9])`)
	dateExpr              = regexp.MustCompile(`\b(\d{1,2})\.(\d{1,2})\.(\d{4})\b`)
	titleCaser            = cases.Title(language.French)
)

// labelled 字段：折叠后的标签前缀 -> 字段名。
var labelledFields = []struct {
	prefix string
	field  string
}{
	{"adresse", "address"},
	{"situation", "address"},
	{"nature des travaux", "projectType"},
	{"objet", "projectType"},
	{"description de l'ouvrage", "projectType"},
	{"projet", "projectType"},
	{"requerant", "applicant"},
	{"proprietaire", "applicant"},
	{"maitre de l'ouvrage", "applicant"},
	{"delai d'opposition", "oppositionDeadline"},
	{"delai d'intervention", "oppositionDeadline"},
}

// ParseGazettePDF 提取 PDF 文本并解析为原始记录，纯函数，不做网络访问。
func ParseGazettePDF(data []byte, doc DocumentInfo) ([]RawPublication, error) {
	text, err := extractPDFText(data)
	if err != nil {
		return nil, err
	}
	return ParseGazetteText(text, doc), nil
}

func extractPDFText(data []byte) (text string, err error) {
	defer func() {
		// 第三方解析器遇到损坏文档可能 panic
		if r := recover(); r != nil {
			err = fmt.Errorf("extract pdf text: %v", r)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}

	var b strings.Builder
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		content, err := page.GetPlainText(nil)
		if err != nil {
			return "", fmt.Errorf("page %d: %w", i, err)
		}
		b.WriteString(content)
		b.WriteString("\n")
	}
	return b.String(), nil
}

type gazetteEntry struct {
	commune string
	lines   []string
}

// ParseGazetteText 将公报文本切分为条目：以“Commune de …”等行开头，
// 条目内提取地块、地址、工程类别、申请人等字段。首个条目标题之前的内容忽略。
func ParseGazetteText(text string, doc DocumentInfo) []RawPublication {
	published := doc.PublishedAt
	if published.IsZero() {
		published = findDate(text)
	}

	entries := splitEntries(text, doc.DefaultCommune)
	pubs := make([]RawPublication, 0, len(entries))
	for i, e := range entries {
		if len(e.lines) == 0 {
			continue
		}
		pubs = append(pubs, entryToRaw(e, i+1, doc, published))
	}
	return pubs
}

func splitEntries(text, defaultCommune string) []gazetteEntry {
	var (
		entries []gazetteEntry
		current *gazetteEntry
	)
	for _, rawLine := range strings.Split(text, "\n") {
		line := strings.Join(strings.Fields(rawLine), " ")
		if line == "" {
			continue
		}
		if commune, ok := communeHeader(line); ok {
			entries = append(entries, gazetteEntry{commune: commune})
			current = &entries[len(entries)-1]
			continue
		}
		if current == nil {
			if defaultCommune == "" {
				continue
			}
			entries = append(entries, gazetteEntry{commune: defaultCommune})
			current = &entries[len(entries)-1]
		}
		current.lines = append(current.lines, line)
	}
	return entries
}

func communeHeader(line string) (string, bool) {
	folded := textnorm.Fold(line)
	for _, prefix := range communeHeaderPrefixes {
		if !strings.HasPrefix(folded, prefix) {
			continue
		}
		value := strings.TrimSpace(sliceRunes(line, len([]rune(prefix))))
		if value == "" || strings.Contains(value, ":") {
			return "", false
		}
		return titleIfUpper(value), true
	}
	return "", false
}

func entryToRaw(e gazetteEntry, index int, doc DocumentInfo, published time.Time) RawPublication {
	fields := map[string]any{
		"documentUrl": doc.URL,
		"entryIndex":  index,
	}

	var firstFree string
	for _, line := range e.lines {
		folded := textnorm.Fold(line)
		if m := parcelExpr.FindStringSubmatch(folded); m != nil {
			if _, ok := fields["parcel"]; !ok {
				fields["parcel"] = strings.TrimSpace(m[1])
			}
			continue
		}
		if key, value, ok := labelledValue(line, folded); ok {
			if _, exists := fields[key]; !exists {
				fields[key] = value
			}
			continue
		}
		if firstFree == "" && InferType(line) == model.TypeOther {
			firstFree = line
		}
	}

	body := strings.Join(e.lines, "\n")
	typ := InferType(body)

	title, _ := fields["projectType"].(string)
	if title == "" {
		title = firstFree
	}
	if title == "" {
		title = e.lines[0]
	}

	fragment := "entry-" + strconv.Itoa(index)
	if parcel, ok := fields["parcel"].(string); ok {
		fragment = "parcelle-" + strings.NewReplacer(" ", "", ",", "-", "/", "-").Replace(parcel)
	}

	return RawPublication{
		Source:      doc.Source,
		Title:       title,
		Description: body,
		URL:         doc.URL + "#" + fragment,
		Commune:     e.commune,
		Canton:      doc.Canton,
		Type:        string(typ),
		PublishedAt: published,
		Fields:      fields,
	}
}

func labelledValue(line, folded string) (string, string, bool) {
	for _, lf := range labelledFields {
		if !strings.HasPrefix(folded, lf.prefix) {
			continue
		}
		idx := strings.Index(line, ":")
		if idx < 0 {
			return "", "", false
		}
		value := strings.TrimSpace(line[idx+1:])
		if value == "" {
			return "", "", false
		}
		return lf.field, value, true
	}
	return "", "", false
}

func findDate(text string) time.Time {
	head := text
	if len(head) > 2000 {
		head = head[:2000]
	}
	m := dateExpr.FindStringSubmatch(head)
	if m == nil {
		return time.Time{}
	}
	return parseDayMonthYear(m[1], m[2], m[3])
}

func parseDayMonthYear(d, mo, y string) time.Time {
	day, _ := strconv.Atoi(d)
	month, _ := strconv.Atoi(mo)
	year, _ := strconv.Atoi(y)
	if day < 1 || day > 31 || month < 1 || month > 12 {
		return time.Time{}
	}
	t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	if t.Day() != day {
		return time.Time{}
	}
	return t
}

func sliceRunes(s string, from int) string {
	r := []rune(s)
	if from >= len(r) {
		return ""
	}
	return string(r[from:])
}

// titleIfUpper 将全大写的公社名转换为首字母大写形式。
func titleIfUpper(s string) string {
	if strings.ToUpper(s) != s {
		return s
	}
	return titleCaser.String(strings.ToLower(s))
}
