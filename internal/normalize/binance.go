package normalize

import (
	"encoding/json"
	"strconv"
	"strings"

	"quoteflow/internal/event"
	"quoteflow/internal/venue"
)

// Binance wire formats. Streams subscribed through the combined endpoint
// arrive wrapped in a {"stream","data"} envelope; the REST depth seed and
// open interest polls are wrapped by the adapter with a synthetic "e" tag
// because the REST bodies carry no event type of their own.

type binanceStreamEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type binanceTickerWire struct {
	Event     string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	Last      string `json:"c"`
	Bid       string `json:"b"`
	BidSize   string `json:"B"`
	Ask       string `json:"a"`
	AskSize   string `json:"A"`
}

type binanceTradeWire struct {
	Symbol     string `json:"s"`
	Price      string `json:"p"`
	Size       string `json:"q"`
	TradeID    int64  `json:"t"`
	AggTradeID int64  `json:"a"`
	TradeTime  int64  `json:"T"`
	BuyerMaker bool   `json:"m"`
}

type binanceDepthWire struct {
	Event        string     `json:"e"`
	Symbol       string     `json:"s"`
	EventTime    int64      `json:"E"`
	LastUpdateID int64      `json:"lastUpdateId"`
	FinalUpdate  int64      `json:"u"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
	BidsShort    [][]string `json:"b"`
	AsksShort    [][]string `json:"a"`
}

type binanceMarkPriceWire struct {
	Event       string `json:"e"`
	EventTime   int64  `json:"E"`
	Symbol      string `json:"s"`
	FundingRate string `json:"r"`
	NextFunding int64  `json:"T"`
}

type binanceOpenInterestWire struct {
	Symbol       string `json:"s"`
	OpenInterest string `json:"openInterest"`
	Time         int64  `json:"time"`
}

func (n *Normalizer) normalizeBinance(frame venue.RawFrame) (*event.Event, error) {
	payload := frame.Payload
	streamSym := ""

	var env binanceStreamEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, &ParseError{Venue: venue.Binance, Reason: "malformed json", Err: err}
	}
	if env.Stream != "" && len(env.Data) > 0 {
		streamSym = strings.ToUpper(strings.SplitN(env.Stream, "@", 2)[0])
		payload = env.Data
	}

	var probe struct {
		Event        string `json:"e"`
		EventTime    int64  `json:"E"`
		LastUpdateID int64  `json:"lastUpdateId"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return nil, &ParseError{Venue: venue.Binance, Reason: "malformed json", Err: err}
	}

	switch probe.Event {
	case "24hrTicker":
		return n.binanceQuote(payload, frame)
	case "trade", "aggTrade":
		return n.binanceTrade(payload, frame)
	case "depthUpdate", "depthSnapshot":
		return n.binanceBook(payload, streamSym, frame)
	case "markPriceUpdate":
		return n.binanceFunding(payload, frame)
	case "openInterest":
		return n.binanceOpenInterest(payload, frame)
	case "":
		// Partial book depth streams carry no event tag, only lastUpdateId.
		if probe.LastUpdateID != 0 {
			return n.binanceBook(payload, streamSym, frame)
		}
		// Subscription acks and other control frames.
		return nil, nil
	default:
		// Unknown event types are tolerated for forward compatibility.
		return nil, nil
	}
}

func (n *Normalizer) binanceQuote(payload []byte, frame venue.RawFrame) (*event.Event, error) {
	var w binanceTickerWire
	if err := json.Unmarshal(payload, &w); err != nil {
		return nil, &ParseError{Venue: venue.Binance, Reason: "malformed ticker", Err: err}
	}
	canonical, err := n.canonical(venue.Binance, w.Symbol)
	if err != nil {
		return nil, err
	}

	q := &event.Quote{}
	if q.Bid, err = parseDecimal(venue.Binance, "b", w.Bid); err != nil {
		return nil, err
	}
	if q.Ask, err = parseDecimal(venue.Binance, "a", w.Ask); err != nil {
		return nil, err
	}
	if q.BidSize, err = parseDecimal(venue.Binance, "B", w.BidSize); err != nil {
		return nil, err
	}
	if q.AskSize, err = parseDecimal(venue.Binance, "A", w.AskSize); err != nil {
		return nil, err
	}
	if q.Last, err = parseDecimal(venue.Binance, "c", w.Last); err != nil {
		return nil, err
	}

	return finalize(&event.Event{
		Venue:           venue.Binance,
		CanonicalSymbol: canonical,
		Kind:            event.KindQuote,
		Quote:           q,
	}, msTime(w.EventTime), frame)
}

func (n *Normalizer) binanceTrade(payload []byte, frame venue.RawFrame) (*event.Event, error) {
	var w binanceTradeWire
	if err := json.Unmarshal(payload, &w); err != nil {
		return nil, &ParseError{Venue: venue.Binance, Reason: "malformed trade", Err: err}
	}
	canonical, err := n.canonical(venue.Binance, w.Symbol)
	if err != nil {
		return nil, err
	}

	t := &event.Trade{Side: "buy"}
	// m=true means the buyer was the maker, so the taker sold.
	if w.BuyerMaker {
		t.Side = "sell"
	}
	if t.Price, err = parseDecimal(venue.Binance, "p", w.Price); err != nil {
		return nil, err
	}
	if t.Size, err = parseDecimal(venue.Binance, "q", w.Size); err != nil {
		return nil, err
	}
	if w.TradeID != 0 {
		t.TradeID = strconv.FormatInt(w.TradeID, 10)
	} else if w.AggTradeID != 0 {
		t.TradeID = strconv.FormatInt(w.AggTradeID, 10)
	}

	return finalize(&event.Event{
		Venue:           venue.Binance,
		CanonicalSymbol: canonical,
		Kind:            event.KindTrade,
		Trade:           t,
	}, msTime(w.TradeTime), frame)
}

func (n *Normalizer) binanceBook(payload []byte, streamSym string, frame venue.RawFrame) (*event.Event, error) {
	var w binanceDepthWire
	if err := json.Unmarshal(payload, &w); err != nil {
		return nil, &ParseError{Venue: venue.Binance, Reason: "malformed depth", Err: err}
	}

	sym := w.Symbol
	if sym == "" {
		sym = streamSym
	}
	if sym == "" {
		return nil, &ParseError{Venue: venue.Binance, Reason: "depth frame without symbol"}
	}
	canonical, err := n.canonical(venue.Binance, sym)
	if err != nil {
		return nil, err
	}

	bidsRaw := w.Bids
	if len(bidsRaw) == 0 {
		bidsRaw = w.BidsShort
	}
	asksRaw := w.Asks
	if len(asksRaw) == 0 {
		asksRaw = w.AsksShort
	}

	book := &event.BookSnapshot{LastUpdateID: w.LastUpdateID}
	if book.LastUpdateID == 0 {
		book.LastUpdateID = w.FinalUpdate
	}
	if book.Bids, err = parseLevels(venue.Binance, bidsRaw); err != nil {
		return nil, err
	}
	if book.Asks, err = parseLevels(venue.Binance, asksRaw); err != nil {
		return nil, err
	}

	return finalize(&event.Event{
		Venue:           venue.Binance,
		CanonicalSymbol: canonical,
		Kind:            event.KindBookSnapshot,
		Book:            book,
	}, msTime(w.EventTime), frame)
}

func (n *Normalizer) binanceFunding(payload []byte, frame venue.RawFrame) (*event.Event, error) {
	var w binanceMarkPriceWire
	if err := json.Unmarshal(payload, &w); err != nil {
		return nil, &ParseError{Venue: venue.Binance, Reason: "malformed mark price", Err: err}
	}
	canonical, err := n.canonical(venue.Binance, w.Symbol)
	if err != nil {
		return nil, err
	}

	f := &event.FundingRate{IntervalHours: 8}
	if f.Rate, err = parseDecimal(venue.Binance, "r", w.FundingRate); err != nil {
		return nil, err
	}
	f.NextFundingAt = msTime(w.NextFunding)

	return finalize(&event.Event{
		Venue:           venue.Binance,
		CanonicalSymbol: canonical,
		Kind:            event.KindFundingRate,
		Funding:         f,
	}, msTime(w.EventTime), frame)
}

func (n *Normalizer) binanceOpenInterest(payload []byte, frame venue.RawFrame) (*event.Event, error) {
	var w binanceOpenInterestWire
	if err := json.Unmarshal(payload, &w); err != nil {
		return nil, &ParseError{Venue: venue.Binance, Reason: "malformed open interest", Err: err}
	}
	canonical, err := n.canonical(venue.Binance, w.Symbol)
	if err != nil {
		return nil, err
	}

	oi := &event.OpenInterest{}
	if oi.Contracts, err = parseDecimal(venue.Binance, "openInterest", w.OpenInterest); err != nil {
		return nil, err
	}

	return finalize(&event.Event{
		Venue:           venue.Binance,
		CanonicalSymbol: canonical,
		Kind:            event.KindOpenInterest,
		OpenInterest:    oi,
	}, msTime(w.Time), frame)
}

// parseLevels converts [["price","size"], ...] order book rows.
func parseLevels(venueID string, rows [][]string) ([]event.Level, error) {
	levels := make([]event.Level, 0, len(rows))
	for _, row := range rows {
		if len(row) < 2 {
			return nil, &ParseError{Venue: venueID, Reason: "short order book row"}
		}
		price, err := parseDecimal(venueID, "price", row[0])
		if err != nil {
			return nil, err
		}
		size, err := parseDecimal(venueID, "size", row[1])
		if err != nil {
			return nil, err
		}
		levels = append(levels, event.Level{Price: price, Size: size})
	}
	return levels, nil
}
