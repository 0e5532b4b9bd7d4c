package collector

import "fmt"

// Venues lists the six supported venue names in start order.
var Venues = []string{"binance", "kraken", "coinbase", "kucoin", "okx", "bybit"}

// NewDriver builds the driver for a venue name.
func NewDriver(venue string) (Driver, error) {
	switch venue {
	case "binance":
		return NewBinanceDriver(), nil
	case "kraken":
		return NewKrakenDriver(), nil
	case "coinbase":
		return NewCoinbaseDriver(), nil
	case "kucoin":
		return NewKuCoinDriver(), nil
	case "okx":
		return NewOKXDriver(), nil
	case "bybit":
		return NewBybitDriver(), nil
	}
	return nil, fmt.Errorf("unsupported venue %q", venue)
}
