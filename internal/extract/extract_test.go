package extract

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/catalog-harvester/internal/harvest"
)

// buildPayload renders widgetStates in argument order with every value JSON-encoded as a
// string, matching the composer wire format.
func buildPayload(t *testing.T, pairs ...any) string {
	t.Helper()
	require.Zero(t, len(pairs)%2, "pairs must be key/value")
	var b strings.Builder
	b.WriteString(`{"widgetStates":{`)
	for i := 0; i < len(pairs); i += 2 {
		if i > 0 {
			b.WriteByte(',')
		}
		key, err := json.Marshal(pairs[i])
		require.NoError(t, err)
		var inner []byte
		if raw, ok := pairs[i+1].(string); ok {
			inner = []byte(raw)
		} else {
			inner, err = json.Marshal(pairs[i+1])
			require.NoError(t, err)
		}
		quoted, err := json.Marshal(string(inner))
		require.NoError(t, err)
		b.Write(key)
		b.WriteByte(':')
		b.Write(quoted)
	}
	b.WriteString(`}}`)
	return b.String()
}

func textBlockValue(fragments ...string) map[string]any {
	body := make([]map[string]any, 0, len(fragments))
	for _, f := range fragments {
		body = append(body, map[string]any{"textAtom": map[string]string{"text": f}})
	}
	return map[string]any{"body": body}
}

func TestParsePayload_MissingWidgetStates(t *testing.T) {
	t.Parallel()

	_, err := ParsePayload(`{"layout":[]}`)
	require.ErrorIs(t, err, harvest.ErrPayloadMissing)

	_, err = ParsePayload(`not json`)
	require.ErrorIs(t, err, harvest.ErrParseFailure)
}

func TestPayload_PreservesKeyOrder(t *testing.T) {
	t.Parallel()

	raw := buildPayload(t, "z-1", map[string]int{"a": 1}, "a-2", map[string]int{"a": 2})
	p, err := ParsePayload(raw)
	require.NoError(t, err)
	require.Len(t, p.Widgets, 2)
	require.Equal(t, "z-1", p.Widgets[0].Key)
	require.Equal(t, "a-2", p.Widgets[1].Key)
}

func TestPayload_LocateSkipsMalformed(t *testing.T) {
	t.Parallel()

	raw := buildPayload(t,
		"webPrice-1", "{broken",
		"webPrice-2", map[string]string{"price": "10 ₽"},
	)
	p, err := ParsePayload(raw)
	require.NoError(t, err)

	var price priceWidget
	require.True(t, p.Locate("webPrice-", &price))
	require.Equal(t, "10 ₽", price.Price)

	var missing priceWidget
	require.False(t, p.Locate("absent-", &missing))
}

func TestWidget_DecodeObjectValue(t *testing.T) {
	t.Parallel()

	p, err := ParsePayload(`{"widgetStates":{"webPrice-9":{"price":"99"}}}`)
	require.NoError(t, err)
	var price priceWidget
	require.True(t, p.Locate("webPrice-", &price))
	require.Equal(t, "99", price.Price)
}

func TestExtractJSON(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		page string
		want string
		ok   bool
	}{
		{name: "pre block", page: `<html><body><pre>{"a":&quot;b&quot;}</pre></body></html>`, want: `{"a":"b"}`, ok: true},
		{name: "brace scan", page: `<html>{"widgetStates":{}}</html>`, want: `{"widgetStates":{}}`, ok: true},
		{name: "no json", page: `<html>nothing</html>`, ok: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, ok := ExtractJSON(tt.page)
			require.Equal(t, tt.ok, ok)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestIsBlocked(t *testing.T) {
	t.Parallel()

	require.True(t, IsBlocked(""))
	require.True(t, IsBlocked("<title>Just a moment...</title> Checking your browser"))
	require.True(t, IsBlocked("<h1>Доступ ограничен</h1>"))
	require.False(t, IsBlocked(`<pre>{"widgetStates":{}}</pre>`))
	require.False(t, IsBlocked("<html><body>catalog</body></html>"))
}

func TestParsePrice(t *testing.T) {
	t.Parallel()

	tests := map[string]int{
		"1 234 ₽":     1234,
		"":            0,
		"₽":           0,
		"12 999":      12999,
		"1 099 ₽": 1099,
	}
	for in, want := range tests {
		require.Equal(t, want, ParsePrice(in), "input %q", in)
	}
}

func TestCleanCompanyName(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		`ООО ООО "Ромашка"`:      `ООО "Ромашка"`,
		"  ИП   Иванов И.И. ,, ": "ИП Иванов И.И.",
		"&quot;Ромашка&quot;":    `"Ромашка"`,
		"ООО":                    "ООО",
		"":                       "",
	}
	for in, want := range tests {
		require.Equal(t, want, CleanCompanyName(in), "input %q", in)
	}
}

func TestFindTaxID(t *testing.T) {
	t.Parallel()

	require.Equal(t, "7701234567", FindTaxID("ОГРН 1027700132195, ИНН 7701234567"))
	require.Equal(t, "1027700132195", FindTaxID("ОГРН 1027700132195"))
	require.Equal(t, "770123456789", FindTaxID("ИП Иванов 770123456789"))
	require.Empty(t, FindTaxID("телефон 12345"))
}

func TestScoreCandidate_TaxIDOutscoresNameOnly(t *testing.T) {
	t.Parallel()

	nameOnly := Candidate{Key: "textBlock-1", Name: "Магазин"}
	withTax := Candidate{Key: "textBlock-2", Name: `ООО "Ромашка"`, TaxID: "7701234567"}

	require.Equal(t, 12, ScoreCandidate(nameOnly))
	require.Equal(t, 35, ScoreCandidate(withTax))

	got, ok := SelectSeller([]Candidate{nameOnly, withTax})
	require.True(t, ok)
	require.Equal(t, withTax, got)
}

func TestScoreCandidate_BoilerplatePenalty(t *testing.T) {
	t.Parallel()

	c := Candidate{Name: "О магазине"}
	require.Equal(t, 10-20+2, ScoreCandidate(c))
}

func TestScoreCandidate_ScheduleBonus(t *testing.T) {
	t.Parallel()

	base := Candidate{Name: "Ромашка", Fragments: []string{"Ромашка"}}
	withSchedule := Candidate{Name: "Ромашка", Fragments: []string{"Ромашка", "Пн-Пт 09:00-18:00"}}
	require.Equal(t, ScoreCandidate(base)+13, ScoreCandidate(withSchedule))
}

func TestSelectSeller_TieKeepsFirst(t *testing.T) {
	t.Parallel()

	a := Candidate{Key: "textBlock-a", Name: "Альфа"}
	b := Candidate{Key: "textBlock-b", Name: "Бета1"}
	got, ok := SelectSeller([]Candidate{a, b})
	require.True(t, ok)
	require.Equal(t, "textBlock-a", got.Key)
}

func TestSelectSeller_FallbackByKeySuffix(t *testing.T) {
	t.Parallel()

	candidates := []Candidate{
		{Key: "textBlock-x-5", Name: "о магазине"},
		{Key: "textBlock-y-9", Name: ""},
		{Key: "textBlock-z-3", Name: ""},
	}
	got, ok := SelectSeller(candidates)
	require.True(t, ok)
	require.Equal(t, "textBlock-z-3", got.Key)

	_, ok = SelectSeller([]Candidate{{Key: "textBlock-1", Name: "О магазине"}})
	require.False(t, ok)
}

func TestParseSeller(t *testing.T) {
	t.Parallel()

	raw := buildPayload(t,
		"textBlock-100-default-1", textBlockValue("О магазине", "Оригинальные товары"),
		"textBlock-100-default-2", textBlockValue(`ООО ООО "Ромашка"`, "ИНН 7701234567"),
		"cellList-200-default-1", map[string]any{"items": []map[string]string{
			{"title": "Заказов", "value": "12 345"},
			{"title": "Отзывов", "value": "980"},
			{"title": "Рейтинг", "value": "4.8"},
			{"title": "Работает с Ozon", "value": "3 года"},
		}},
	)

	rec, err := ParseSeller("555", raw)
	require.NoError(t, err)
	require.True(t, rec.Success)
	require.Equal(t, "555", rec.SellerID)
	require.Equal(t, `ООО "Ромашка"`, rec.CompanyName)
	require.Equal(t, "7701234567", rec.INN)
	require.Equal(t, "12 345", rec.OrdersCount)
	require.Equal(t, "980", rec.ReviewsCount)
	require.Equal(t, "4.8", rec.AverageRating)
	require.Equal(t, "3 года", rec.WorkingTime)
}

func TestParseSeller_NoBusinessFields(t *testing.T) {
	t.Parallel()

	raw := buildPayload(t, "textBlock-1", textBlockValue("О магазине"))
	rec, err := ParseSeller("9", raw)
	require.ErrorIs(t, err, harvest.ErrParseFailure)
	require.False(t, rec.Success)
}

func TestParseProduct(t *testing.T) {
	t.Parallel()

	raw := buildPayload(t,
		"webStickyProducts-1-default-1", map[string]any{
			"name":          "Чайник  электрический",
			"coverImageUrl": "https://cdn.example/cover.jpg",
			"seller": map[string]string{
				"name": "Ромашка",
				"link": "/seller/romashka-12345/",
			},
		},
		"webPrice-2-default-1", map[string]string{
			"cardPrice":     "1 099 ₽",
			"price":         "1 234 ₽",
			"originalPrice": "2 000 ₽",
		},
	)
	item := harvest.WorkItem{ID: "777", URL: "https://www.ozon.ru/product/chaynik-777/", ImageURL: "https://cdn.example/tile.jpg"}

	rec, err := ParseProduct(item, raw)
	require.NoError(t, err)
	require.True(t, rec.Success)
	require.Equal(t, "777", rec.Article)
	require.Equal(t, "Чайник электрический", rec.Name)
	require.Equal(t, "Ромашка", rec.CompanyName)
	require.Equal(t, "12345", rec.SellerID)
	require.Equal(t, "https://ozon.ru/seller/12345", rec.SellerLink)
	require.Equal(t, 1099, rec.CardPrice)
	require.Equal(t, 1234, rec.Price)
	require.Equal(t, 2000, rec.OriginalPrice)
	require.Equal(t, "https://cdn.example/tile.jpg", rec.ImageURL, "link-stage image wins")
}

func TestParseProduct_TitleKeepsLegalWordsAndCommas(t *testing.T) {
	t.Parallel()

	raw := buildPayload(t,
		"webStickyProducts-1-default-1", map[string]any{
			"name": "ООО ООО  набор &amp; чехол,",
		},
	)
	rec, err := ParseProduct(harvest.WorkItem{ID: "5"}, raw)
	require.NoError(t, err)
	require.Equal(t, "ООО ООО набор & чехол,", rec.Name)
}

func TestParseProduct_NoBusinessFields(t *testing.T) {
	t.Parallel()

	raw := buildPayload(t, "webOther-1", map[string]string{"x": "y"})
	rec, err := ParseProduct(harvest.WorkItem{ID: "1"}, raw)
	require.ErrorIs(t, err, harvest.ErrParseFailure)
	require.False(t, rec.Success)
}

func TestSellerIDFromLink(t *testing.T) {
	t.Parallel()

	for link, want := range map[string]string{
		"/seller/romashka-12345/":              "12345",
		"https://www.ozon.ru/seller/987/":      "987",
		"https://www.ozon.ru/seller/a-b-c-42":  "42",
	} {
		got, ok := SellerIDFromLink(link)
		require.True(t, ok, link)
		require.Equal(t, want, got)
	}
	_, ok := SellerIDFromLink("/brand/foo-1/")
	require.False(t, ok)
}

func TestArticleFromURL(t *testing.T) {
	t.Parallel()

	got, ok := ArticleFromURL("https://www.ozon.ru/product/chaynik-elektricheskiy-123456/?from=cat")
	require.True(t, ok)
	require.Equal(t, "123456", got)

	got, ok = ArticleFromURL("/product/98765/")
	require.True(t, ok)
	require.Equal(t, "98765", got)

	_, ok = ArticleFromURL("/category/kettles/")
	require.False(t, ok)
}

func TestLinksFromHTML(t *testing.T) {
	t.Parallel()

	page := `<html><body>
<a href="/product/chaynik-111/?asb=1"><img src="https://cdn.example/111.jpg"></a>
<a href="https://www.ozon.ru/product/utyug-222/">iron</a>
<a href="/category/other/">skip</a>
</body></html>`

	links := LinksFromHTML(page, "https://www.ozon.ru")
	require.Len(t, links, 2)
	require.Equal(t, Link{Article: "111", URL: "https://www.ozon.ru/product/chaynik-111/", ImageURL: "https://cdn.example/111.jpg"}, links[0])
	require.Equal(t, "222", links[1].Article)
	require.Empty(t, links[1].ImageURL)
}

func TestLinksFromPayload(t *testing.T) {
	t.Parallel()

	raw := buildPayload(t,
		"searchResultsV2-1-default-1", map[string]any{"items": []map[string]any{
			{
				"action":    map[string]string{"link": "/product/a-1/?x=1"},
				"tileImage": map[string]any{"items": []map[string]any{{"image": map[string]string{"link": "https://cdn.example/1.jpg"}}}},
			},
			{"action": map[string]string{"link": "/brand/x/"}},
		}},
		"tileGridDesktop-2-default-1", map[string]any{"items": []map[string]any{
			{"action": map[string]string{"link": "/product/b-2/"}},
		}},
	)
	p, err := ParsePayload(raw)
	require.NoError(t, err)

	links := LinksFromPayload(p, "https://www.ozon.ru")
	require.Equal(t, []Link{
		{Article: "1", URL: "https://www.ozon.ru/product/a-1/", ImageURL: "https://cdn.example/1.jpg"},
		{Article: "2", URL: "https://www.ozon.ru/product/b-2/"},
	}, links)
}
