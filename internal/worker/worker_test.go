package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-harvester/internal/extract"
	"github.com/JakeFAU/catalog-harvester/internal/harvest"
)

type outcome struct {
	fetchErr   error
	payload    string
	payloadErr error
	page       string
}

type respondFunc func(req harvest.FetchRequest, attempt int) outcome

type fakeFactory struct {
	respond  respondFunc
	openErr  error
	opens    atomic.Int32
	closes   atomic.Int32
	mu       sync.Mutex
	attempts map[string]int
}

func newFakeFactory(respond respondFunc) *fakeFactory {
	return &fakeFactory{respond: respond, attempts: make(map[string]int)}
}

func (f *fakeFactory) Open(context.Context) (harvest.Session, error) {
	if f.openErr != nil {
		return nil, f.openErr
	}
	f.opens.Add(1)
	return &fakeSession{factory: f}, nil
}

func (f *fakeFactory) attemptsFor(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts[url]
}

type fakeSession struct {
	factory *fakeFactory
	current outcome
}

func (s *fakeSession) Fetch(_ context.Context, req harvest.FetchRequest) error {
	s.factory.mu.Lock()
	s.factory.attempts[req.URL]++
	n := s.factory.attempts[req.URL]
	s.factory.mu.Unlock()
	s.current = s.factory.respond(req, n)
	return s.current.fetchErr
}

func (s *fakeSession) AwaitPayload(context.Context, time.Duration) (string, error) {
	if s.current.payloadErr != nil {
		return "", s.current.payloadErr
	}
	return s.current.payload, nil
}

func (s *fakeSession) Page(context.Context) (string, error) {
	return s.current.page, nil
}

func (s *fakeSession) Close() error {
	s.factory.closes.Add(1)
	return nil
}

type testRecord struct {
	ID  string
	OK  bool
	Err error
}

type testProcessor struct{}

func (testProcessor) Stage() harvest.Stage { return harvest.StageProducts }

func (testProcessor) Request(item harvest.WorkItem) harvest.FetchRequest {
	return harvest.FetchRequest{URL: "item://" + item.ID, ItemID: item.ID}
}

func (testProcessor) Parse(item harvest.WorkItem, payload string) (testRecord, error) {
	if payload != "ok" {
		return testRecord{}, harvest.ErrParseFailure
	}
	return testRecord{ID: item.ID, OK: true}, nil
}

func (testProcessor) Failed(item harvest.WorkItem, err error) testRecord {
	return testRecord{ID: item.ID, Err: err}
}

type countingProgress struct {
	mu   sync.Mutex
	last map[string]int
}

func (p *countingProgress) ProgressRun(userID, _ string, processed int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.last == nil {
		p.last = make(map[string]int)
	}
	if processed > p.last[userID] {
		p.last[userID] = processed
	}
}

func newTestRunner(factory harvest.SessionFactory, progress ProgressReporter) (*Runner, *[]time.Duration) {
	r := NewRunner(factory, progress, NewFixedRetryPolicy(3, 5*time.Second), Config{}, zap.NewNop())
	var mu sync.Mutex
	var waits []time.Duration
	r.sleep = func(_ context.Context, d time.Duration) error {
		mu.Lock()
		defer mu.Unlock()
		waits = append(waits, d)
		return nil
	}
	return r, &waits
}

func items(n int) []harvest.WorkItem {
	out := make([]harvest.WorkItem, n)
	for i := range out {
		out[i] = harvest.WorkItem{ID: fmt.Sprintf("%d", i)}
	}
	return out
}

func TestPartition_SizesAndUnion(t *testing.T) {
	t.Parallel()

	for k := 0; k <= 20; k++ {
		for w := 1; w <= 7; w++ {
			parts := Partition(items(k), w)
			require.Len(t, parts, w)
			seen := make(map[string]int)
			for _, part := range parts {
				size := len(part)
				require.True(t, size == k/w || size == (k+w-1)/w, "k=%d w=%d size=%d", k, w, size)
				for _, item := range part {
					seen[item.ID]++
				}
			}
			require.Len(t, seen, k)
			for id, n := range seen {
				require.Equal(t, 1, n, "item %s", id)
			}
		}
	}
}

func TestPartition_RoundRobin(t *testing.T) {
	t.Parallel()

	parts := Partition(items(5), 2)
	require.Equal(t, []harvest.WorkItem{{ID: "0"}, {ID: "2"}, {ID: "4"}}, parts[0])
	require.Equal(t, []harvest.WorkItem{{ID: "1"}, {ID: "3"}}, parts[1])
	require.Len(t, Partition(items(3), 0), 1)
}

func TestRun_TwoFailuresThenSuccess(t *testing.T) {
	t.Parallel()

	factory := newFakeFactory(func(_ harvest.FetchRequest, attempt int) outcome {
		switch attempt {
		case 1:
			return outcome{fetchErr: harvest.ErrFetchFailure}
		case 2:
			return outcome{payloadErr: context.DeadlineExceeded}
		default:
			return outcome{payload: "ok"}
		}
	})
	r, waits := newTestRunner(factory, nil)

	recs := Run(context.Background(), r, Job{UserID: "u", Workers: 1}, items(1), testProcessor{})
	require.Len(t, recs, 1)
	require.True(t, recs[0].OK)
	require.NoError(t, recs[0].Err)
	require.Equal(t, 3, factory.attemptsFor("item://0"))
	require.Equal(t, []time.Duration{5 * time.Second, 5 * time.Second}, *waits)
}

func TestRun_AttemptsExhausted(t *testing.T) {
	t.Parallel()

	factory := newFakeFactory(func(harvest.FetchRequest, int) outcome {
		return outcome{payload: "garbage"}
	})
	r, _ := newTestRunner(factory, nil)

	recs := Run(context.Background(), r, Job{UserID: "u", Workers: 1}, items(1), testProcessor{})
	require.Len(t, recs, 1)
	require.False(t, recs[0].OK)
	require.ErrorIs(t, recs[0].Err, harvest.ErrRetryExhausted)
	require.Contains(t, recs[0].Err.Error(), "after 3 attempts")
	require.Equal(t, 3, factory.attemptsFor("item://0"))
}

func TestRun_WorkerThenIndexOrder(t *testing.T) {
	t.Parallel()

	factory := newFakeFactory(func(harvest.FetchRequest, int) outcome {
		return outcome{payload: "ok"}
	})
	progress := &countingProgress{}
	r, _ := newTestRunner(factory, progress)

	recs := Run(context.Background(), r, Job{UserID: "u", Workers: 2}, items(5), testProcessor{})
	ids := make([]string, 0, len(recs))
	for _, rec := range recs {
		ids = append(ids, rec.ID)
	}
	require.Equal(t, []string{"0", "2", "4", "1", "3"}, ids)
	require.Equal(t, 5, progress.last["u"])
}

func TestRun_SessionsClosedBeforeReturn(t *testing.T) {
	t.Parallel()

	factory := newFakeFactory(func(harvest.FetchRequest, int) outcome {
		return outcome{payload: "ok"}
	})
	r, _ := newTestRunner(factory, nil)

	recs := Run(context.Background(), r, Job{UserID: "u", Workers: 5}, items(2), testProcessor{})
	require.Len(t, recs, 2)
	require.Equal(t, int32(2), factory.opens.Load(), "empty partitions open no session")
	require.Equal(t, factory.opens.Load(), factory.closes.Load())
}

func TestRun_OpenFailureFailsPartition(t *testing.T) {
	t.Parallel()

	factory := newFakeFactory(nil)
	factory.openErr = errors.New("browser crashed")
	r, _ := newTestRunner(factory, nil)

	recs := Run(context.Background(), r, Job{UserID: "u", Workers: 2}, items(3), testProcessor{})
	require.Len(t, recs, 3)
	for _, rec := range recs {
		require.False(t, rec.OK)
		require.ErrorIs(t, rec.Err, harvest.ErrFetchFailure)
	}
}

func TestRun_ProductProcessor(t *testing.T) {
	t.Parallel()

	factory := newFakeFactory(func(req harvest.FetchRequest, _ int) outcome {
		return outcome{payload: `{"widgetStates":{"webStickyProducts-1":{"name":"Item ` + req.ItemID +
			`","seller":{"name":"Shop","link":"/seller/shop-9/"}},"webPrice-1":{"price":"1 234 ₽"}}}`}
	})
	r, _ := newTestRunner(factory, nil)

	work := []harvest.WorkItem{{ID: "11", URL: "https://www.ozon.ru/product/a-11/"}}
	recs := Run(context.Background(), r, Job{UserID: "u", Workers: 1}, work, ProductProcessor{BaseURL: "https://www.ozon.ru"})
	require.Len(t, recs, 1)
	require.True(t, recs[0].Success)
	require.Equal(t, "Item 11", recs[0].Name)
	require.Equal(t, 1234, recs[0].Price)
	require.Equal(t, "9", recs[0].SellerID)
	require.Equal(t, 1, factory.attemptsFor(ProductRequestURL("https://www.ozon.ru", "11")))
}

func TestSellerProcessor_Failed(t *testing.T) {
	t.Parallel()

	rec := SellerProcessor{}.Failed(harvest.WorkItem{ID: "5"}, harvest.ErrRetryExhausted)
	require.Equal(t, "5", rec.SellerID)
	require.False(t, rec.Success)
	require.Equal(t, harvest.ErrRetryExhausted.Error(), rec.Error)
}

func TestRequestURLs(t *testing.T) {
	t.Parallel()

	require.Equal(t,
		"https://www.ozon.ru/api/composer-api.bx/page/json/v2?url=/product/123/&__rr=1",
		ProductRequestURL("https://www.ozon.ru/", "123"),
	)
	require.Equal(t,
		"https://www.ozon.ru/api/composer-api.bx/page/json/v2?url=/modal/shop-in-shop-info?seller_id=77&page_changed=true",
		SellerRequestURL("https://www.ozon.ru", "77"),
	)
}

func TestFixedRetryPolicy(t *testing.T) {
	t.Parallel()

	p := NewFixedRetryPolicy(3, time.Second)
	require.True(t, p.ShouldRetry(errors.New("x"), 1))
	require.True(t, p.ShouldRetry(errors.New("x"), 2))
	require.False(t, p.ShouldRetry(errors.New("x"), 3))
	require.False(t, p.ShouldRetry(nil, 1))
	require.False(t, p.ShouldRetry(context.Canceled, 1))
	require.Equal(t, time.Second, p.Backoff(7))

	d := NewFixedRetryPolicy(0, -1)
	require.Equal(t, DefaultMaxAttempts, d.MaxAttempts())
	require.Equal(t, DefaultBackoff, d.Backoff(1))
}

func tilePayload(articles ...string) string {
	var tiles []string
	for _, a := range articles {
		tiles = append(tiles, `{"action":{"link":"/product/item-`+a+`/"},"tileImage":{"items":[{"image":{"link":"https://cdn/`+a+`.jpg"}}]}}`)
	}
	return `{"widgetStates":{"searchResultsV2-1":{"items":[` + strings.Join(tiles, ",") + `]}}}`
}

func categoryResponder(pages map[int][]string) respondFunc {
	return func(req harvest.FetchRequest, _ int) outcome {
		for page, articles := range pages {
			if strings.HasSuffix(req.URL, fmt.Sprintf("?page=%d", page)) && strings.Contains(req.URL, ComposerPath) {
				return outcome{payload: tilePayload(articles...)}
			}
		}
		return outcome{payload: `{"widgetStates":{}}`, page: "<html><body></body></html>"}
	}
}

func TestCollectLinks_StopsWhenPageAddsNothing(t *testing.T) {
	t.Parallel()

	factory := newFakeFactory(categoryResponder(map[int][]string{
		1: {"1", "2", "3"},
		2: {"3", "4", "5"},
		3: {"4", "5"},
	}))
	r, _ := newTestRunner(factory, nil)

	links, err := CollectLinks(context.Background(), r, Job{UserID: "u"}, "https://www.ozon.ru/category/kettles/", LinkConfig{})
	require.NoError(t, err)
	require.Len(t, links, 5)
	require.Equal(t, extract.Link{Article: "1", URL: "https://www.ozon.ru/product/item-1/", ImageURL: "https://cdn/1.jpg"}, links[0])
	require.Equal(t, "5", links[4].Article)
	require.Equal(t, int32(1), factory.opens.Load())
	require.Equal(t, int32(1), factory.closes.Load())
	require.Zero(t, factory.attemptsFor("https://www.ozon.ru"+ComposerPath+"?url=/category/kettles/?page=4"))
}

func TestCollectLinks_MaxProducts(t *testing.T) {
	t.Parallel()

	factory := newFakeFactory(categoryResponder(map[int][]string{
		1: {"1", "2", "3"},
		2: {"4", "5", "6"},
	}))
	r, _ := newTestRunner(factory, nil)

	links, err := CollectLinks(context.Background(), r, Job{UserID: "u"}, "https://www.ozon.ru/category/kettles/", LinkConfig{MaxProducts: 4})
	require.NoError(t, err)
	require.Len(t, links, 4)
	require.Equal(t, "4", links[3].Article)
}

func TestCollectLinks_HTMLFallback(t *testing.T) {
	t.Parallel()

	factory := newFakeFactory(func(req harvest.FetchRequest, _ int) outcome {
		if strings.Contains(req.URL, ComposerPath) {
			return outcome{payloadErr: harvest.ErrPayloadMissing}
		}
		if strings.HasSuffix(req.URL, "?page=1") {
			return outcome{page: `<html><a href="/product/tea-42/"><img src="https://cdn/42.jpg"></a></html>`}
		}
		return outcome{page: `<html><body>end of list</body></html>`}
	})
	r, _ := newTestRunner(factory, nil)

	links, err := CollectLinks(context.Background(), r, Job{UserID: "u"}, "https://www.ozon.ru/category/tea/", LinkConfig{})
	require.NoError(t, err)
	require.Equal(t, []extract.Link{{Article: "42", URL: "https://www.ozon.ru/product/tea-42/", ImageURL: "https://cdn/42.jpg"}}, links)
}
