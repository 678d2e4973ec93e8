package billingevent

import (
	billingeventdomain "github.com/smallbiznis/dunningd/internal/billingevent/domain"
	"github.com/smallbiznis/dunningd/internal/billingevent/service"
	"github.com/smallbiznis/dunningd/internal/lifecycle"
	"go.uber.org/fx"
)

var Module = fx.Module("billingevent.service",
	fx.Provide(func(e *lifecycle.Engine) service.Applier { return e }),
	fx.Provide(service.NewService),
	fx.Provide(func(s *service.Service) billingeventdomain.Service { return s }),
)
