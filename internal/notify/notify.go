// Package notify delivers operational alerts to humans through pluggable
// channel drivers. The built-in drivers are a signed webhook POST and a
// Google Chat card; deployments register whichever subset they configure.
package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Alert is an operational notification destined for a human.
type Alert struct {
	Title     string            `json:"title"`
	Text      string            `json:"text"`
	Labels    map[string]string `json:"labels,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// ChannelDriver delivers alerts to one kind of destination.
type ChannelDriver interface {
	Name() string
	Send(ctx context.Context, alert Alert) error
}

// Service fans each alert out to every registered driver.
type Service struct {
	mu      sync.RWMutex
	drivers []ChannelDriver
}

func NewService(drivers ...ChannelDriver) *Service {
	return &Service{drivers: drivers}
}

// RegisterDriver adds a channel driver.
func (s *Service) RegisterDriver(driver ChannelDriver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drivers = append(s.drivers, driver)
	log.Info().Str("driver", driver.Name()).Msg("registered alert channel driver")
}

// Alert sends to all drivers concurrently and joins their errors. A service
// with no drivers logs the alert and succeeds, so local dev without a Chat
// space or webhook URL still surfaces the text somewhere.
func (s *Service) Alert(ctx context.Context, title, text string) error {
	alert := Alert{
		Title:     title,
		Text:      text,
		Timestamp: time.Now().UTC(),
	}

	s.mu.RLock()
	drivers := make([]ChannelDriver, len(s.drivers))
	copy(drivers, s.drivers)
	s.mu.RUnlock()

	if len(drivers) == 0 {
		log.Warn().Str("title", title).Str("text", text).Msg("alert raised with no channel drivers configured")
		return nil
	}

	var (
		wg    sync.WaitGroup
		errMu sync.Mutex
		errs  []error
	)
	for _, driver := range drivers {
		wg.Add(1)
		go func(d ChannelDriver) {
			defer wg.Done()
			if err := d.Send(ctx, alert); err != nil {
				log.Warn().Err(err).Str("driver", d.Name()).Str("title", title).Msg("alert delivery failed")
				errMu.Lock()
				errs = append(errs, err)
				errMu.Unlock()
				return
			}
			log.Info().Str("driver", d.Name()).Str("title", title).Msg("alert delivered")
		}(driver)
	}
	wg.Wait()
	return errors.Join(errs...)
}
