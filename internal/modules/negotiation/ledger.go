// README: Negotiation ledger: rider offer, driver counter and the frozen accepted price.
package negotiation

import (
	"errors"

	"github.com/sirupsen/logrus"

	"ridehail/internal/config"
	"ridehail/internal/types"
)

var (
	ErrInvalidPrice     = errors.New("price must be positive")
	ErrCurrencyMismatch = errors.New("price currency differs from estimate")
	ErrBelowFloor       = errors.New("offer below allowed floor")
)

// Terms are the prices on the table before acceptance.
type Terms struct {
	Estimated    types.Money
	RiderOffered *types.Money
}

type Ledger struct {
	minOfferRatio float64
	log           logrus.FieldLogger
}

func NewLedger(cfg config.NegotiationConfig, log logrus.FieldLogger) *Ledger {
	return &Ledger{minOfferRatio: cfg.MinOfferRatio, log: log}
}

// Snapshot is the price a driver sees on an offer.
func (l *Ledger) Snapshot(t Terms) types.Money {
	if t.RiderOffered != nil {
		return *t.RiderOffered
	}
	return t.Estimated
}

// Resolve picks the accepted price: driver counter, else rider offer, else estimate.
func (l *Ledger) Resolve(t Terms, counter *types.Money) (types.Money, error) {
	if counter != nil {
		if err := l.ValidateCounter(t, *counter); err != nil {
			return types.Money{}, err
		}
		return *counter, nil
	}
	return l.Snapshot(t), nil
}

// ValidateOffer checks a rider's offered price against the estimate. Offers
// under the estimate are allowed unless a floor ratio is configured.
func (l *Ledger) ValidateOffer(estimated, offer types.Money) error {
	if err := checkPrice(estimated, offer); err != nil {
		return err
	}
	if offer.Amount < estimated.Amount {
		floor := int64(float64(estimated.Amount) * l.minOfferRatio)
		if offer.Amount < floor {
			return ErrBelowFloor
		}
		l.log.WithFields(logrus.Fields{
			"estimated": estimated.Amount,
			"offered":   offer.Amount,
		}).Info("rider offer below estimate")
	}
	return nil
}

func (l *Ledger) ValidateCounter(t Terms, counter types.Money) error {
	return checkPrice(t.Estimated, counter)
}

func checkPrice(estimated, p types.Money) error {
	if !p.IsPositive() {
		return ErrInvalidPrice
	}
	if !p.SameCurrency(estimated) {
		return ErrCurrencyMismatch
	}
	return nil
}
