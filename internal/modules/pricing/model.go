// README: Fare rate per ride type used to estimate a ride before negotiation.
package pricing

import "errors"

const DefaultRideType = "standard"

var ErrUnknownRideType = errors.New("unknown ride type")

type Rate struct {
	RideType string
	BaseFare int64
	PerKm    int64
	PerMin   int64
	MinFare  int64
	Currency string
}
