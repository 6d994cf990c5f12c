package api

import (
	"github.com/go-chi/chi/v5"
)

func (s *RESTServer) setupAPIRoutes(r chi.Router) {
	r.Get("/health", s.HandleHealth)
	r.Get("/", s.HandleRoot)

	r.Route("/auth", func(r chi.Router) {
		r.Post("/login", s.HandleLogin)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Route("/devices", func(r chi.Router) {
			r.Get("/", s.HandleListDevices)
			r.Post("/", s.HandleCreateDevice)
			r.Route("/{dev_eui}", func(r chi.Router) {
				r.Get("/", s.HandleGetDevice)
				r.Delete("/", s.HandleDeleteDevice)
			})
		})

		r.Route("/profiles", func(r chi.Router) {
			r.Get("/", s.HandleListProfiles)
			r.Post("/", s.HandleCreateProfile)
		})

		r.Route("/networks", func(r chi.Router) {
			r.Get("/", s.HandleListNetworks)
			r.Post("/", s.HandleCreateNetwork)
		})

		r.Route("/ignored-nodes", func(r chi.Router) {
			r.Post("/", s.HandleCreateIgnoredNode)
			r.Delete("/{devaddr}", s.HandleDeleteIgnoredNode)
		})

		r.Route("/multicast-channels", func(r chi.Router) {
			r.Post("/", s.HandleCreateMulticastChannel)
			r.Post("/{devaddr}/downlink", s.HandleMulticastDownlink)
		})

		r.Route("/nodes", func(r chi.Router) {
			r.Route("/{devaddr}", func(r chi.Router) {
				r.Get("/", s.HandleGetNode)
				r.Post("/downlink", s.HandleUnicastDownlink)
			})
		})
	})
}
