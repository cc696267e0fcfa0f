// README: Offer notification channels. Delivery is best effort; a missed push only means the driver never sees the offer.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"firebase.google.com/go/v4/db"
	"firebase.google.com/go/v4/messaging"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"ridehail/internal/types"
)

var ErrNoDeviceToken = errors.New("driver has no device token")

type Notifier interface {
	Notify(ctx context.Context, n Notification) error
	Channel() string
}

// LogNotifier only writes the notification to the log.
type LogNotifier struct {
	Log logrus.FieldLogger
}

func (l LogNotifier) Channel() string { return "log" }

func (l LogNotifier) Notify(_ context.Context, n Notification) error {
	l.Log.WithFields(logrus.Fields{
		"driver_id": n.DriverID,
		"ride_id":   n.RideID,
		"pickup":    n.PickupAddress,
		"price":     n.Price.String(),
	}).Info("ride offer notification")
	return nil
}

// NATSNotifier publishes the JSON payload on driver.{id}.offers.
type NATSNotifier struct {
	conn *nats.Conn
}

func NewNATSNotifier(conn *nats.Conn) *NATSNotifier {
	return &NATSNotifier{conn: conn}
}

func DriverOffersSubject(driverID types.ID) string {
	return fmt.Sprintf("driver.%s.offers", string(driverID))
}

func (n *NATSNotifier) Channel() string { return "nats" }

func (n *NATSNotifier) Notify(_ context.Context, msg Notification) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	return n.conn.Publish(DriverOffersSubject(msg.DriverID), raw)
}

// FCMNotifier resolves the driver's device token from drivers/{id}/fcmToken
// and sends a high priority data message.
type FCMNotifier struct {
	db  *db.Client
	fcm *messaging.Client
}

func NewFCMNotifier(rtdb *db.Client, fcm *messaging.Client) *FCMNotifier {
	return &FCMNotifier{db: rtdb, fcm: fcm}
}

func (f *FCMNotifier) Channel() string { return "fcm" }

func (f *FCMNotifier) Notify(ctx context.Context, n Notification) error {
	var token string
	if err := f.db.NewRef("drivers/"+string(n.DriverID)+"/fcmToken").Get(ctx, &token); err != nil {
		return fmt.Errorf("load device token for %s: %w", n.DriverID, err)
	}
	if token == "" {
		return fmt.Errorf("%w: %s", ErrNoDeviceToken, n.DriverID)
	}

	msg := &messaging.Message{
		Token: token,
		Data:  fcmData(n),
		Notification: &messaging.Notification{
			Title: "New ride request",
			Body:  fmt.Sprintf("Pickup at %s for %s", n.PickupAddress, n.Price),
		},
		Android: &messaging.AndroidConfig{
			Priority: "high",
		},
	}
	if _, err := f.fcm.Send(ctx, msg); err != nil {
		return fmt.Errorf("send FCM to driver %s: %w", n.DriverID, err)
	}
	return nil
}

func fcmData(n Notification) map[string]string {
	return map[string]string{
		"driverId":      string(n.DriverID),
		"type":          n.Type,
		"rideId":        string(n.RideID),
		"pickupAddress": n.PickupAddress,
		"price":         fmt.Sprintf("%d", n.Price.Amount),
		"currency":      n.Price.Currency,
	}
}
