package handler

import (
	"github.com/go-chi/chi/v5"
)

// Server composes the plan/settings/device handlers into a chi router
// (spec.md §6 HTTP surface).
type Server struct {
	plans    *PlanHandler
	settings *SettingsHandler
	devices  *DeviceHandler
	jwt      *JWTService
}

// NewServer creates a Server.
func NewServer(plans *PlanHandler, settings *SettingsHandler, devices *DeviceHandler, jwt *JWTService) *Server {
	return &Server{plans: plans, settings: settings, devices: devices, jwt: jwt}
}

// Router builds the chi router for the full HTTP surface.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(s.jwt))

		r.Route("/plans", func(r chi.Router) {
			r.Post("/", s.plans.Create)
			r.Get("/", s.plans.List)
			r.Put("/{id}", s.plans.Update)
			r.Delete("/{id}", s.plans.Delete)
		})

		r.Route("/settings", func(r chi.Router) {
			r.Put("/timezone", s.settings.SetTimezone)
			r.Put("/notifications", s.settings.SetNotificationsEnabled)
		})

		r.Route("/devices", func(r chi.Router) {
			r.Post("/", s.devices.Register)
			r.Delete("/{token}", s.devices.Unregister)
		})
	})

	return r
}
