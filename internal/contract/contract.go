// Package contract derives the canonical contract identity (CCID) every
// other component keys on. A CCID is `{TICKER}_{YYYYMMDD}_{STRIKE}_{C|P}`,
// e.g. SPY_20260128_595_C, and is byte-identical for every spelling of the
// same contract: SPX and SPXW collapse through the alias table, 595 and
// 595.0 format identically, and both expiration layouts normalize.
package contract

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/maut11/RHTBv5-sub000/internal/models"
	"github.com/maut11/RHTBv5-sub000/internal/symbols"
)

// GenerateCCID builds the canonical ID for one contract. The ticker is
// normalized to its trader symbol, expiration may be YYYY-MM-DD or YYYYMMDD,
// and the strike is formatted without trailing zeros.
func GenerateCCID(table *symbols.Table, ticker, expiration string, strike decimal.Decimal, optType models.OptionType) (string, error) {
	if strings.TrimSpace(ticker) == "" {
		return "", fmt.Errorf("generate ccid: empty ticker")
	}
	exp, err := ParseExpiration(expiration)
	if err != nil {
		return "", fmt.Errorf("generate ccid: %w", err)
	}
	normalized := table.TraderSymbol(strings.ToUpper(strings.TrimSpace(ticker)))
	return fmt.Sprintf("%s_%s_%s_%s",
		normalized, exp.Format("20060102"), FormatStrike(strike), optType.Char()), nil
}

// ParseExpiration accepts the two canonical expiration layouts.
func ParseExpiration(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{"2006-01-02", "20060102"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid expiration %q", s)
}

// FormatStrike renders a strike the way CCIDs need it: no trailing zeros, no
// dangling decimal point, so 595, 595.0 and 595.00 all come out as "595".
func FormatStrike(strike decimal.Decimal) string {
	s := strike.String()
	if strings.Contains(s, ".") {
		s = strings.TrimRight(s, "0")
		s = strings.TrimRight(s, ".")
	}
	return s
}

// ParseCCID splits a CCID back into its fields. Tickers may themselves
// contain underscores, so the ID is parsed from the right.
func ParseCCID(ccid string) (ticker, expiration string, strike decimal.Decimal, optType models.OptionType, err error) {
	fields := strings.Split(ccid, "_")
	if len(fields) < 4 {
		err = fmt.Errorf("invalid ccid %q", ccid)
		return
	}

	typeField := fields[len(fields)-1]
	switch typeField {
	case "C":
		optType = models.OptionCall
	case "P":
		optType = models.OptionPut
	default:
		err = fmt.Errorf("invalid ccid %q: option type %q", ccid, typeField)
		return
	}

	strike, err = decimal.NewFromString(fields[len(fields)-2])
	if err != nil {
		err = fmt.Errorf("invalid ccid %q: strike: %w", ccid, err)
		return
	}

	exp, perr := time.Parse("20060102", fields[len(fields)-3])
	if perr != nil {
		err = fmt.Errorf("invalid ccid %q: expiration: %w", ccid, perr)
		return
	}
	expiration = exp.Format("2006-01-02")

	ticker = strings.Join(fields[:len(fields)-3], "_")
	if ticker == "" {
		err = fmt.Errorf("invalid ccid %q: empty ticker", ccid)
	}
	return
}
