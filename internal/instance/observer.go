package instance

import "time"

// Observer receives instance events. Implementations must not block.
type Observer interface {
	ObserveOp(fs int, op string, took time.Duration, err error)
	ObserveMount(fs int, generation uint32, ready bool)
	ObserveSuspend(fs int)
}

type nopObserver struct{}

func (nopObserver) ObserveOp(int, string, time.Duration, error) {}
func (nopObserver) ObserveMount(int, uint32, bool)               {}
func (nopObserver) ObserveSuspend(int)                           {}

// Observers fans events out to several observers.
type Observers []Observer

func (o Observers) ObserveOp(fs int, op string, took time.Duration, err error) {
	for _, obs := range o {
		obs.ObserveOp(fs, op, took, err)
	}
}

func (o Observers) ObserveMount(fs int, generation uint32, ready bool) {
	for _, obs := range o {
		obs.ObserveMount(fs, generation, ready)
	}
}

func (o Observers) ObserveSuspend(fs int) {
	for _, obs := range o {
		obs.ObserveSuspend(fs)
	}
}
