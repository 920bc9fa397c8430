package exchange

import "errors"

var errExchangeLifetimeExceeded = errors.New("exchange: lifetime exceeded without a response")
