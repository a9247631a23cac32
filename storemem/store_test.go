package storemem_test

import (
	"testing"

	ges "github.com/mickamy/ges"
	"github.com/mickamy/ges/internal/storetest"
	"github.com/mickamy/ges/storemem"
)

func TestEventStore_Compliance(t *testing.T) {
	storetest.Run(t, func(t *testing.T, publisher *ges.Publisher) ges.EventStore {
		var opts []storemem.Option
		if publisher != nil {
			opts = append(opts, storemem.WithPublisher(publisher))
		}
		return storemem.New(opts...)
	})
}
