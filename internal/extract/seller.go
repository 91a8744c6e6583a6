package extract

import (
	"fmt"
	"html"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/JakeFAU/catalog-harvester/internal/harvest"
)

// Candidate is one textBlock widget that may describe the seller's legal entity.
type Candidate struct {
	Key       string
	Name      string
	TaxID     string
	Fragments []string
}

// Rule contributes a signed score to a candidate. Rules run in declaration order.
type Rule struct {
	Name  string
	Score func(Candidate) int
}

var boilerplatePhrases = []string{
	"about the store",
	"original products",
	"о магазине",
	"оригинальные товары",
	"оригинальный товар",
	"все товары продавца",
	"перейти в магазин",
	"подписаться",
}

var legalMarkers = map[string]struct{}{
	"ООО": {}, "ИП": {}, "АО": {}, "ОАО": {}, "ЗАО": {}, "ПАО": {}, "НКО": {},
	"LLC": {}, "LTD": {}, "INC": {}, "GMBH": {},
}

var (
	taxIDPattern    = regexp.MustCompile(`\d+`)
	timeOfDay       = regexp.MustCompile(`\d{1,2}:\d{2}`)
	keySuffix       = regexp.MustCompile(`(\d+)\D*$`)
	whitespaceRun   = regexp.MustCompile(`\s+`)
	scheduleMarkers = []string{"график", "работаем", "ежедневно", "круглосуточно", "пн", "вс", "schedule", "daily"}
)

// SellerRules is the ordered rule set applied by ScoreCandidate.
var SellerRules = []Rule{
	{Name: "name", Score: func(c Candidate) int {
		if strings.TrimSpace(c.Name) != "" {
			return 10
		}
		return 0
	}},
	{Name: "tax_id", Score: func(c Candidate) int {
		if c.TaxID != "" {
			return 15
		}
		return 0
	}},
	{Name: "boilerplate", Score: func(c Candidate) int {
		return -20 * countBoilerplate(c.Name)
	}},
	{Name: "legal_marker", Score: func(c Candidate) int {
		return 5 * countLegalMarkers(c.Name)
	}},
	{Name: "quote", Score: func(c Candidate) int {
		if strings.ContainsAny(c.Name, "\"«»“”„") {
			return 3
		}
		return 0
	}},
	{Name: "length", Score: func(c Candidate) int {
		n := len([]rune(strings.TrimSpace(c.Name)))
		if n >= 5 && n <= 100 {
			return 2
		}
		return 0
	}},
	{Name: "schedule", Score: func(c Candidate) int {
		if len(c.Fragments) != 2 || !looksLikeSchedule(c.Fragments[1]) {
			return 0
		}
		score := 8
		if countBoilerplate(c.Fragments[0]) == 0 {
			score += 5
		}
		return score
	}},
}

// ScoreCandidate sums every rule in SellerRules.
func ScoreCandidate(c Candidate) int {
	total := 0
	for _, rule := range SellerRules {
		total += rule.Score(c)
	}
	return total
}

// SelectSeller picks the strictly highest positive score, keeping the earliest candidate
// on ties. When nothing scores above zero it falls back to the first candidate, by the
// numeric suffix of its widget key, whose name has no boilerplate.
func SelectSeller(candidates []Candidate) (Candidate, bool) {
	best, bestScore := -1, 0
	for i, c := range candidates {
		if s := ScoreCandidate(c); s > bestScore {
			best, bestScore = i, s
		}
	}
	if best >= 0 {
		return candidates[best], true
	}
	ordered := append([]Candidate(nil), candidates...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return keyOrdinal(ordered[i].Key) < keyOrdinal(ordered[j].Key)
	})
	for _, c := range ordered {
		if countBoilerplate(c.Name) == 0 {
			return c, true
		}
	}
	return Candidate{}, false
}

// CleanCompanyName normalizes a legal-entity name for display.
func CleanCompanyName(raw string) string {
	name := cleanText(raw)
	fields := strings.Fields(name)
	for len(fields) > 1 && strings.EqualFold(fields[0], fields[1]) && isLegalMarker(fields[0]) {
		fields = fields[1:]
	}
	name = strings.Join(fields, " ")
	return strings.TrimRightFunc(name, func(r rune) bool {
		return r == ',' || unicode.IsSpace(r)
	})
}

// cleanText decodes HTML entities and collapses whitespace runs.
func cleanText(raw string) string {
	return strings.TrimSpace(whitespaceRun.ReplaceAllString(html.UnescapeString(raw), " "))
}

// FindTaxID returns the first digit run of 10 or 12 digits, else 13 or 15 digits.
func FindTaxID(text string) string {
	var registration string
	for _, run := range taxIDPattern.FindAllString(text, -1) {
		switch len(run) {
		case 10, 12:
			return run
		case 13, 15:
			if registration == "" {
				registration = run
			}
		}
	}
	return registration
}

func countBoilerplate(text string) int {
	lower := strings.ToLower(text)
	n := 0
	for _, phrase := range boilerplatePhrases {
		n += strings.Count(lower, phrase)
	}
	return n
}

func countLegalMarkers(text string) int {
	seen := make(map[string]struct{})
	for _, tok := range strings.FieldsFunc(text, func(r rune) bool { return !unicode.IsLetter(r) }) {
		upper := strings.ToUpper(tok)
		if _, ok := legalMarkers[upper]; ok {
			seen[upper] = struct{}{}
		}
	}
	return len(seen)
}

func isLegalMarker(tok string) bool {
	_, ok := legalMarkers[strings.ToUpper(strings.Trim(tok, ",."))]
	return ok
}

func looksLikeSchedule(text string) bool {
	if timeOfDay.MatchString(text) {
		return true
	}
	lower := strings.ToLower(text)
	for _, tok := range strings.FieldsFunc(lower, func(r rune) bool { return !unicode.IsLetter(r) }) {
		for _, marker := range scheduleMarkers {
			if tok == marker {
				return true
			}
		}
	}
	return false
}

func keyOrdinal(key string) int {
	m := keySuffix.FindStringSubmatch(key)
	if m == nil {
		return math.MaxInt
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return math.MaxInt
	}
	return n
}

type textBlock struct {
	Body []struct {
		TextAtom struct {
			Text string `json:"text"`
		} `json:"textAtom"`
	} `json:"body"`
}

type cellList struct {
	Items []struct {
		Title string `json:"title"`
		Value string `json:"value"`
	} `json:"items"`
}

// SellerCandidates builds one Candidate per decodable textBlock widget.
func SellerCandidates(p Payload) []Candidate {
	var out []Candidate
	for _, w := range p.WithPrefix("textBlock-") {
		var block textBlock
		if err := w.Decode(&block); err != nil {
			continue
		}
		var fragments []string
		for _, item := range block.Body {
			text := CleanCompanyName(item.TextAtom.Text)
			if text != "" {
				fragments = append(fragments, text)
			}
		}
		if len(fragments) == 0 {
			continue
		}
		out = append(out, Candidate{
			Key:       w.Key,
			Name:      fragments[0],
			TaxID:     FindTaxID(strings.Join(fragments, " ")),
			Fragments: fragments,
		})
	}
	return out
}

// ParseSeller turns a seller modal payload into a record. The record is successful when
// a company name or tax id was found.
func ParseSeller(sellerID, raw string) (harvest.SellerRecord, error) {
	rec := harvest.SellerRecord{SellerID: sellerID}
	p, err := ParsePayload(raw)
	if err != nil {
		return rec, err
	}
	if c, ok := SelectSeller(SellerCandidates(p)); ok {
		rec.CompanyName = c.Name
		rec.INN = c.TaxID
		if len(c.Fragments) == 2 && looksLikeSchedule(c.Fragments[1]) {
			rec.WorkingTime = c.Fragments[1]
		}
	}
	var cells cellList
	if p.Locate("cellList-", &cells) {
		for _, item := range cells.Items {
			applyCell(&rec, item.Title, item.Value)
		}
	}
	if rec.CompanyName == "" && rec.INN == "" {
		return rec, fmt.Errorf("%w: seller %s has no company name or tax id", harvest.ErrParseFailure, sellerID)
	}
	rec.Success = true
	return rec, nil
}

func applyCell(rec *harvest.SellerRecord, title, value string) {
	lower := strings.ToLower(title)
	value = strings.TrimSpace(html.UnescapeString(value))
	switch {
	case strings.Contains(lower, "заказ") || strings.Contains(lower, "order"):
		rec.OrdersCount = value
	case strings.Contains(lower, "отзыв") || strings.Contains(lower, "review"):
		rec.ReviewsCount = value
	case strings.Contains(lower, "рейтинг") || strings.Contains(lower, "rating"):
		rec.AverageRating = value
	case strings.Contains(lower, "на ozon") || strings.Contains(lower, "работает") || strings.Contains(lower, "with ozon"):
		if rec.WorkingTime == "" {
			rec.WorkingTime = value
		}
	}
}
