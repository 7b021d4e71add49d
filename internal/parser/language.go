package parser

import "strings"

// labelPack holds the portal's table labels for one notification language,
// plus the status regex variant used when the HTML structure is missing.
type labelPack struct {
	status       string
	amounts      string
	plannedEnd   string
	workflowName string
}

// Label packs for the notification languages the portal emits. The order ID
// and accept URL patterns are shared across languages.
var labelPacks = map[string]labelPack{
	"en": {
		status:       "Status",
		amounts:      "Amounts",
		plannedEnd:   "Planned end",
		workflowName: "Workflow name",
	},
	"de": {
		status:       "Status",
		amounts:      "Mengen",
		plannedEnd:   "Geplantes Ende",
		workflowName: "Workflow-Name",
	},
	"ja": {
		status:       "ステータス",
		amounts:      "数量",
		plannedEnd:   "完了予定",
		workflowName: "ワークフロー名",
	},
	"th": {
		status:       "สถานะ",
		amounts:      "ปริมาณ",
		plannedEnd:   "กำหนดสิ้นสุด",
		workflowName: "ชื่อเวิร์กโฟลว์",
	},
}

// germanMarkers are Latin-1 supplement characters common in German text but
// absent from the English notifications.
const germanMarkers = "ÄÖÜäöüß"

// DetectLanguage picks the label pack for a message. Priority: explicit
// Content-Language header, then the <html lang> attribute, then character
// ranges in the text, then English.
func DetectLanguage(contentLanguage, htmlLang, text string) string {
	if lang := normalizeLang(contentLanguage); lang != "" {
		return lang
	}
	if lang := normalizeLang(htmlLang); lang != "" {
		return lang
	}

	for _, r := range text {
		switch {
		case r >= 0x0E00 && r <= 0x0E7F:
			return "th"
		case r >= 0x3000 && r <= 0x9FFF:
			return "ja"
		}
	}
	if strings.ContainsAny(text, germanMarkers) {
		return "de"
	}
	return "en"
}

// normalizeLang lowercases a language tag to its two-letter prefix and
// returns it only when a label pack exists for it.
func normalizeLang(tag string) string {
	tag = strings.TrimSpace(strings.ToLower(tag))
	if len(tag) < 2 {
		return ""
	}
	tag = tag[:2]
	if _, ok := labelPacks[tag]; ok {
		return tag
	}
	return ""
}
