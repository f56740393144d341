package pubsub

import (
	"testing"

	"github.com/firebird631/siis-sub001/internal/models"

	"github.com/stretchr/testify/assert"
)

func TestChannels(t *testing.T) {
	market := models.NewMarketID("Binance", "btcusdt")

	assert.Equal(t, "siis:market:candle:binance:BTCUSDT:4h", CandleChannel("siis:market", market, models.TF4h))
	assert.Equal(t, "siis:market:candle:binance:BTCUSDT:1M", CandleChannel("siis:market", market, models.TF1M))
	assert.Equal(t, "siis:market:quote:binance:BTCUSDT", QuoteChannel("siis:market", market))
}
