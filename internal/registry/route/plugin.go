package route

import (
	"sort"

	"github.com/gin-gonic/gin"
)

// RouterLoader initializes routes on the gin engine.
type RouterLoader func(r *gin.Engine) error

// RouteType distinguishes which server a plugin's routes belong to.
type RouteType int

const (
	// RouteTypeMain registers routes on the main API server.
	RouteTypeMain RouteType = iota
	// RouteTypeManagement registers routes on the management server (health,
	// metrics). Without a dedicated management port they mount on the main
	// server instead.
	RouteTypeManagement
)

// Plugin represents a route plugin with an order for deterministic mount sequence.
type Plugin struct {
	Order  int
	Type   RouteType
	Loader RouterLoader
}

var registered = map[RouteType][]Plugin{}

// Register adds a route plugin. Called from init() in plugin packages.
func Register(p Plugin) {
	registered[p.Type] = append(registered[p.Type], p)
}

func loadersOf(t RouteType) []RouterLoader {
	ps := make([]Plugin, len(registered[t]))
	copy(ps, registered[t])
	sort.SliceStable(ps, func(i, j int) bool { return ps[i].Order < ps[j].Order })
	loaders := make([]RouterLoader, 0, len(ps))
	for _, p := range ps {
		loaders = append(loaders, p.Loader)
	}
	return loaders
}

// MainRouteLoaders returns loaders for RouteTypeMain plugins, sorted by order.
func MainRouteLoaders() []RouterLoader {
	return loadersOf(RouteTypeMain)
}

// ManagementRouteLoaders returns loaders for RouteTypeManagement plugins, sorted by order.
func ManagementRouteLoaders() []RouterLoader {
	return loadersOf(RouteTypeManagement)
}
