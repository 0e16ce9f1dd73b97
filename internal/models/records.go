package models

import (
	"fmt"
	"time"
)

// OhlcvBar is one open/high/low/close/volume bar at a fixed granularity.
type OhlcvBar struct {
	TsEvent      time.Time `db:"ts_event"`
	InstrumentID int64     `db:"instrument_id"`
	Symbol       string    `db:"symbol"`
	Open         float64   `db:"open_price"`
	High         float64   `db:"high_price"`
	Low          float64   `db:"low_price"`
	Close        float64   `db:"close_price"`
	Volume       int64     `db:"volume"`
	TradeCount   *int64    `db:"trade_count"`
	VWAP         *float64  `db:"vwap"`
	Granularity  string    `db:"granularity"`
	DataSource   string    `db:"data_source"`
}

// TradeTick is a single trade print.
type TradeTick struct {
	TsEvent      time.Time `db:"ts_event"`
	TsRecv       time.Time `db:"ts_recv"`
	PublisherID  int64     `db:"publisher_id"`
	InstrumentID int64     `db:"instrument_id"`
	Symbol       string    `db:"symbol"`
	Price        float64   `db:"price"`
	Size         int64     `db:"size"`
	Action       string    `db:"action"`
	Side         string    `db:"side"`
	Flags        int64     `db:"flags"`
	Depth        int64     `db:"depth"`
	Sequence     *int64    `db:"sequence"`
	TsInDelta    *int64    `db:"ts_in_delta"`
}

// TbboQuote is a top-of-book bid/offer snapshot taken at trade time.
type TbboQuote struct {
	TsEvent      time.Time `db:"ts_event"`
	TsRecv       time.Time `db:"ts_recv"`
	PublisherID  int64     `db:"publisher_id"`
	InstrumentID int64     `db:"instrument_id"`
	Symbol       string    `db:"symbol"`
	BidPx        *float64  `db:"bid_px"`
	AskPx        *float64  `db:"ask_px"`
	BidSz        *int64    `db:"bid_sz"`
	AskSz        *int64    `db:"ask_sz"`
	BidCt        *int64    `db:"bid_ct"`
	AskCt        *int64    `db:"ask_ct"`
	Sequence     *int64    `db:"sequence"`
	Flags        *int64    `db:"flags"`
}

// StatRecord is a publisher statistics message (settlement, open interest, ...).
type StatRecord struct {
	TsEvent      time.Time  `db:"ts_event"`
	TsRecv       time.Time  `db:"ts_recv"`
	TsRef        *time.Time `db:"ts_ref"`
	PublisherID  int64      `db:"publisher_id"`
	InstrumentID int64      `db:"instrument_id"`
	Symbol       string     `db:"symbol"`
	StatType     int64      `db:"stat_type"`
	StatValue    *float64   `db:"stat_value"`
	Quantity     *int64     `db:"quantity"`
	Sequence     int64      `db:"sequence"`
	TsInDelta    int64      `db:"ts_in_delta"`
	ChannelID    int64      `db:"channel_id"`
	UpdateAction int64      `db:"update_action"`
	StatFlags    int64      `db:"stat_flags"`
}

// InstrumentDef is a point-in-time instrument definition. Field names follow
// the vendor definition schema after internal renames.
type InstrumentDef struct {
	TsEvent      time.Time `db:"ts_event"`
	TsRecv       time.Time `db:"ts_recv"`
	PublisherID  int64     `db:"publisher_id"`
	InstrumentID int64     `db:"instrument_id"`
	Symbol       string    `db:"symbol"`
	RawSymbol    string    `db:"raw_symbol"`

	// Classification
	InstrumentClass string  `db:"instrument_class"`
	SecurityType    *string `db:"security_type"`
	Asset           *string `db:"asset"`
	Exchange        *string `db:"exchange"`
	Group           *string `db:"group_code"`
	CfiCode         *string `db:"cfi"`
	Currency        *string `db:"currency"`
	SettlCurrency   *string `db:"settl_currency"`
	SecSubType      *string `db:"secsubtype"`
	UnderlyingID    *int64  `db:"underlying_id"`
	Underlying      *string `db:"underlying"`
	RawInstrumentID *int64  `db:"raw_instrument_id"`

	// Contract specification
	Activation            time.Time  `db:"activation"`
	Expiration            time.Time  `db:"expiration"`
	MinPriceIncrement     float64    `db:"min_price_increment"`
	DisplayFactor         float64    `db:"display_factor"`
	UnitOfMeasure         *string    `db:"unit_of_measure"`
	UnitOfMeasureQty      *float64   `db:"unit_of_measure_qty"`
	MinPriceIncrementAmt  *float64   `db:"min_price_increment_amount"`
	PriceRatio            *float64   `db:"price_ratio"`
	InstAttribValue       *int64     `db:"inst_attrib_value"`
	ContractMultiplier    *int64     `db:"contract_multiplier"`
	ContractMultUnit      *int64     `db:"contract_multiplier_unit"`
	OriginalContractSize  *int64     `db:"original_contract_size"`
	DecayQuantity         *int64     `db:"decay_quantity"`
	DecayStartDate        *time.Time `db:"decay_start_date"`
	TradingReferenceDate  *time.Time `db:"trading_reference_date"`
	TradingReferencePrice *float64   `db:"trading_reference_price"`
	FlowScheduleType      *int64     `db:"flow_schedule_type"`
	TickRule              *int64     `db:"tick_rule"`

	// Price limits
	HighLimitPrice    *float64 `db:"high_limit_price"`
	LowLimitPrice     *float64 `db:"low_limit_price"`
	MaxPriceVariation *float64 `db:"max_price_variation"`

	// Lot sizes and volumes
	MinLotSize         *int64 `db:"min_lot_size"`
	MinLotSizeBlock    *int64 `db:"min_lot_size_block"`
	MinLotSizeRoundLot *int64 `db:"min_lot_size_round_lot"`
	MinTradeVol        *int64 `db:"min_trade_vol"`
	MaxTradeVol        *int64 `db:"max_trade_vol"`

	// Market structure
	MarketDepth         *int64  `db:"market_depth"`
	MarketDepthImplied  *int64  `db:"market_depth_implied"`
	MarketSegmentID     *int64  `db:"market_segment_id"`
	ApplID              *int64  `db:"appl_id"`
	ChannelID           *int64  `db:"channel_id"`
	MatchAlgorithm      *string `db:"match_algorithm"`
	MdSecurityStatus    *int64  `db:"md_security_trading_status"`
	MainFraction        *int64  `db:"main_fraction"`
	SubFraction         *int64  `db:"sub_fraction"`
	PriceDisplayFormat  *int64  `db:"price_display_format"`
	SettlPriceType      *int64  `db:"settl_price_type"`
	UnderlyingProduct   *int64  `db:"underlying_product"`
	SecurityUpdateAct   string  `db:"security_update_action"`
	UserDefined         *string `db:"user_defined_instrument"`
	MaturityYear        *int64  `db:"maturity_year"`
	MaturityMonth       *int64  `db:"maturity_month"`
	MaturityDay         *int64  `db:"maturity_day"`
	MaturityWeek        *int64  `db:"maturity_week"`

	// Option fields
	StrikePrice         *float64 `db:"strike_price"`
	StrikePriceCurrency *string  `db:"strike_price_currency"`

	// Spread legs
	LegCount        int64   `db:"leg_count"`
	LegIndex        *int64  `db:"leg_index"`
	LegInstrumentID *int64  `db:"leg_instrument_id"`
	LegRawSymbol    *string `db:"leg_raw_symbol"`
	LegSide         *string `db:"leg_side"`
	LegUnderlyingID *int64  `db:"leg_underlying_id"`
	LegRatioQtyNum  *int64  `db:"leg_ratio_qty_numerator"`
	LegRatioQtyDen  *int64  `db:"leg_ratio_qty_denominator"`
	LegPrice        *float64 `db:"leg_price"`
	LegDelta        *float64 `db:"leg_delta"`
}

// Record is the tagged union carried between the rule engine and the loaders.
// Exactly one variant is non-nil, matching Schema.
type Record struct {
	Schema     Schema
	Ohlcv      *OhlcvBar
	Trade      *TradeTick
	Tbbo       *TbboQuote
	Stat       *StatRecord
	Definition *InstrumentDef
}

// Kind returns the schema of the populated variant.
func (r Record) Kind() Schema { return r.Schema }

// OhlcvFromRow builds a typed bar from a validated row.
func OhlcvFromRow(row Row, schema Schema) (*OhlcvBar, error) {
	tsEvent, err := row.Time("ts_event")
	if err != nil {
		return nil, err
	}
	id, err := row.Int64("instrument_id")
	if err != nil {
		return nil, err
	}
	open, err := row.Float64("open_price")
	if err != nil {
		return nil, err
	}
	high, err := row.Float64("high_price")
	if err != nil {
		return nil, err
	}
	low, err := row.Float64("low_price")
	if err != nil {
		return nil, err
	}
	cls, err := row.Float64("close_price")
	if err != nil {
		return nil, err
	}
	vol, err := row.Int64("volume")
	if err != nil {
		return nil, err
	}
	tradeCount, err := row.OptInt64("trade_count")
	if err != nil {
		return nil, err
	}
	vwap, err := row.OptFloat64("vwap")
	if err != nil {
		return nil, err
	}
	granularity := row.String("granularity")
	if granularity == "" {
		granularity = schema.Granularity()
	}
	source := row.String("data_source")
	return &OhlcvBar{
		TsEvent:      tsEvent,
		InstrumentID: id,
		Symbol:       row.String("symbol"),
		Open:         open,
		High:         high,
		Low:          low,
		Close:        cls,
		Volume:       vol,
		TradeCount:   tradeCount,
		VWAP:         vwap,
		Granularity:  granularity,
		DataSource:   source,
	}, nil
}

// TradeFromRow builds a typed trade from a validated row.
func TradeFromRow(row Row) (*TradeTick, error) {
	tsEvent, err := row.Time("ts_event")
	if err != nil {
		return nil, err
	}
	tsRecv, err := row.Time("ts_recv")
	if err != nil {
		tsRecv = tsEvent
	}
	id, err := row.Int64("instrument_id")
	if err != nil {
		return nil, err
	}
	price, err := row.Float64("price")
	if err != nil {
		return nil, err
	}
	size, err := row.Int64("size")
	if err != nil {
		return nil, err
	}
	publisher, _ := row.Int64("publisher_id")
	flags, _ := row.Int64("flags")
	depth, _ := row.Int64("depth")
	sequence, err := row.OptInt64("sequence")
	if err != nil {
		return nil, err
	}
	tsInDelta, err := row.OptInt64("ts_in_delta")
	if err != nil {
		return nil, err
	}
	action := row.String("action")
	if action == "" {
		action = "T"
	}
	return &TradeTick{
		TsEvent:      tsEvent,
		TsRecv:       tsRecv,
		PublisherID:  publisher,
		InstrumentID: id,
		Symbol:       row.String("symbol"),
		Price:        price,
		Size:         size,
		Action:       action,
		Side:         row.String("side"),
		Flags:        flags,
		Depth:        depth,
		Sequence:     sequence,
		TsInDelta:    tsInDelta,
	}, nil
}

// TbboFromRow builds a typed quote from a validated row.
func TbboFromRow(row Row) (*TbboQuote, error) {
	tsEvent, err := row.Time("ts_event")
	if err != nil {
		return nil, err
	}
	tsRecv, err := row.Time("ts_recv")
	if err != nil {
		tsRecv = tsEvent
	}
	id, err := row.Int64("instrument_id")
	if err != nil {
		return nil, err
	}
	publisher, _ := row.Int64("publisher_id")
	bidPx, err := row.OptFloat64("bid_px")
	if err != nil {
		return nil, err
	}
	askPx, err := row.OptFloat64("ask_px")
	if err != nil {
		return nil, err
	}
	bidSz, err := row.OptInt64("bid_sz")
	if err != nil {
		return nil, err
	}
	askSz, err := row.OptInt64("ask_sz")
	if err != nil {
		return nil, err
	}
	bidCt, err := row.OptInt64("bid_ct")
	if err != nil {
		return nil, err
	}
	askCt, err := row.OptInt64("ask_ct")
	if err != nil {
		return nil, err
	}
	sequence, err := row.OptInt64("sequence")
	if err != nil {
		return nil, err
	}
	flags, err := row.OptInt64("flags")
	if err != nil {
		return nil, err
	}
	return &TbboQuote{
		TsEvent:      tsEvent,
		TsRecv:       tsRecv,
		PublisherID:  publisher,
		InstrumentID: id,
		Symbol:       row.String("symbol"),
		BidPx:        bidPx,
		AskPx:        askPx,
		BidSz:        bidSz,
		AskSz:        askSz,
		BidCt:        bidCt,
		AskCt:        askCt,
		Sequence:     sequence,
		Flags:        flags,
	}, nil
}

// StatFromRow builds a typed statistics record from a validated row.
func StatFromRow(row Row) (*StatRecord, error) {
	tsEvent, err := row.Time("ts_event")
	if err != nil {
		return nil, err
	}
	tsRecv, err := row.Time("ts_recv")
	if err != nil {
		tsRecv = tsEvent
	}
	tsRef, err := row.OptTime("ts_ref")
	if err != nil {
		return nil, err
	}
	id, err := row.Int64("instrument_id")
	if err != nil {
		return nil, err
	}
	statType, err := row.Int64("stat_type")
	if err != nil {
		return nil, err
	}
	statValue, err := row.OptFloat64("stat_value")
	if err != nil {
		return nil, err
	}
	quantity, err := row.OptInt64("quantity")
	if err != nil {
		return nil, err
	}
	publisher, _ := row.Int64("publisher_id")
	sequence, _ := row.Int64("sequence")
	tsInDelta, _ := row.Int64("ts_in_delta")
	channelID, _ := row.Int64("channel_id")
	updateAction, _ := row.Int64("update_action")
	statFlags, _ := row.Int64("stat_flags")
	return &StatRecord{
		TsEvent:      tsEvent,
		TsRecv:       tsRecv,
		TsRef:        tsRef,
		PublisherID:  publisher,
		InstrumentID: id,
		Symbol:       row.String("symbol"),
		StatType:     statType,
		StatValue:    statValue,
		Quantity:     quantity,
		Sequence:     sequence,
		TsInDelta:    tsInDelta,
		ChannelID:    channelID,
		UpdateAction: updateAction,
		StatFlags:    statFlags,
	}, nil
}

// optString returns a nullable string field.
func optString(row Row, field string) *string {
	if !row.Has(field) {
		return nil
	}
	s := row.String(field)
	if s == "" {
		return nil
	}
	return &s
}

// DefinitionFromRow builds a typed instrument definition from a validated row.
func DefinitionFromRow(row Row) (*InstrumentDef, error) {
	tsEvent, err := row.Time("ts_event")
	if err != nil {
		return nil, err
	}
	tsRecv, err := row.Time("ts_recv")
	if err != nil {
		tsRecv = tsEvent
	}
	id, err := row.Int64("instrument_id")
	if err != nil {
		return nil, err
	}
	activation, err := row.Time("activation")
	if err != nil {
		return nil, fmt.Errorf("definition activation: %w", err)
	}
	expiration, err := row.Time("expiration")
	if err != nil {
		return nil, fmt.Errorf("definition expiration: %w", err)
	}
	minInc, err := row.Float64("min_price_increment")
	if err != nil {
		return nil, err
	}
	displayFactor, _ := row.Float64("display_factor")
	publisher, _ := row.Int64("publisher_id")
	legCount, _ := row.Int64("leg_count")

	def := &InstrumentDef{
		TsEvent:           tsEvent,
		TsRecv:            tsRecv,
		PublisherID:       publisher,
		InstrumentID:      id,
		Symbol:            row.String("symbol"),
		RawSymbol:         row.String("raw_symbol"),
		InstrumentClass:   row.String("instrument_class"),
		Activation:        activation,
		Expiration:        expiration,
		MinPriceIncrement: minInc,
		DisplayFactor:     displayFactor,
		SecurityUpdateAct: row.String("security_update_action"),
		LegCount:          legCount,
	}

	def.SecurityType = optString(row, "security_type")
	def.Asset = optString(row, "asset")
	def.Exchange = optString(row, "exchange")
	def.Group = optString(row, "group_code")
	def.CfiCode = optString(row, "cfi")
	def.Currency = optString(row, "currency")
	def.SettlCurrency = optString(row, "settl_currency")
	def.SecSubType = optString(row, "secsubtype")
	def.Underlying = optString(row, "underlying")
	def.UnitOfMeasure = optString(row, "unit_of_measure")
	def.MatchAlgorithm = optString(row, "match_algorithm")
	def.UserDefined = optString(row, "user_defined_instrument")
	def.StrikePriceCurrency = optString(row, "strike_price_currency")
	def.LegRawSymbol = optString(row, "leg_raw_symbol")
	def.LegSide = optString(row, "leg_side")

	var convErr error
	optI := func(field string) *int64 {
		v, err := row.OptInt64(field)
		if err != nil && convErr == nil {
			convErr = err
		}
		return v
	}
	optF := func(field string) *float64 {
		v, err := row.OptFloat64(field)
		if err != nil && convErr == nil {
			convErr = err
		}
		return v
	}
	optT := func(field string) *time.Time {
		v, err := row.OptTime(field)
		if err != nil && convErr == nil {
			convErr = err
		}
		return v
	}

	def.UnderlyingID = optI("underlying_id")
	def.RawInstrumentID = optI("raw_instrument_id")
	def.UnitOfMeasureQty = optF("unit_of_measure_qty")
	def.MinPriceIncrementAmt = optF("min_price_increment_amount")
	def.PriceRatio = optF("price_ratio")
	def.InstAttribValue = optI("inst_attrib_value")
	def.ContractMultiplier = optI("contract_multiplier")
	def.ContractMultUnit = optI("contract_multiplier_unit")
	def.OriginalContractSize = optI("original_contract_size")
	def.DecayQuantity = optI("decay_quantity")
	def.DecayStartDate = optT("decay_start_date")
	def.TradingReferenceDate = optT("trading_reference_date")
	def.TradingReferencePrice = optF("trading_reference_price")
	def.FlowScheduleType = optI("flow_schedule_type")
	def.TickRule = optI("tick_rule")
	def.HighLimitPrice = optF("high_limit_price")
	def.LowLimitPrice = optF("low_limit_price")
	def.MaxPriceVariation = optF("max_price_variation")
	def.MinLotSize = optI("min_lot_size")
	def.MinLotSizeBlock = optI("min_lot_size_block")
	def.MinLotSizeRoundLot = optI("min_lot_size_round_lot")
	def.MinTradeVol = optI("min_trade_vol")
	def.MaxTradeVol = optI("max_trade_vol")
	def.MarketDepth = optI("market_depth")
	def.MarketDepthImplied = optI("market_depth_implied")
	def.MarketSegmentID = optI("market_segment_id")
	def.ApplID = optI("appl_id")
	def.ChannelID = optI("channel_id")
	def.MdSecurityStatus = optI("md_security_trading_status")
	def.MainFraction = optI("main_fraction")
	def.SubFraction = optI("sub_fraction")
	def.PriceDisplayFormat = optI("price_display_format")
	def.SettlPriceType = optI("settl_price_type")
	def.UnderlyingProduct = optI("underlying_product")
	def.MaturityYear = optI("maturity_year")
	def.MaturityMonth = optI("maturity_month")
	def.MaturityDay = optI("maturity_day")
	def.MaturityWeek = optI("maturity_week")
	def.StrikePrice = optF("strike_price")
	def.LegIndex = optI("leg_index")
	def.LegInstrumentID = optI("leg_instrument_id")
	def.LegUnderlyingID = optI("leg_underlying_id")
	def.LegRatioQtyNum = optI("leg_ratio_qty_numerator")
	def.LegRatioQtyDen = optI("leg_ratio_qty_denominator")
	def.LegPrice = optF("leg_price")
	def.LegDelta = optF("leg_delta")

	if convErr != nil {
		return nil, convErr
	}
	return def, nil
}

// RecordFromRow dispatches to the typed constructor for the schema.
func RecordFromRow(schema Schema, row Row) (Record, error) {
	switch {
	case schema.IsOhlcv():
		bar, err := OhlcvFromRow(row, schema)
		if err != nil {
			return Record{}, err
		}
		return Record{Schema: schema, Ohlcv: bar}, nil
	case schema == SchemaTrades:
		t, err := TradeFromRow(row)
		if err != nil {
			return Record{}, err
		}
		return Record{Schema: schema, Trade: t}, nil
	case schema == SchemaTbbo:
		q, err := TbboFromRow(row)
		if err != nil {
			return Record{}, err
		}
		return Record{Schema: schema, Tbbo: q}, nil
	case schema == SchemaStatistics:
		s, err := StatFromRow(row)
		if err != nil {
			return Record{}, err
		}
		return Record{Schema: schema, Stat: s}, nil
	case schema == SchemaDefinition:
		d, err := DefinitionFromRow(row)
		if err != nil {
			return Record{}, err
		}
		return Record{Schema: schema, Definition: d}, nil
	}
	return Record{}, fmt.Errorf("unknown schema %q", schema)
}
