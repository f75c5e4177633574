package api

// @title MiniQuant API
// @version 1.0
// @description Parameter sensitivity grid search for A-share strategies
// @termsOfService http://swagger.io/terms/

// @contact.name API Support
// @contact.url http://www.swagger.io/support

// @license.name Apache 2.0
// @license.url http://www.apache.org/licenses/LICENSE-2.0.html

// @host localhost:8082
// @BasePath /api/v1

// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
// @description Type "Bearer" followed by a space and JWT token.

// @tag.name Auth
// @tag.description Login and token refresh

// @tag.name Sensitivity
// @tag.description Parameter grid sweeps, heatmaps and robustness diagnosis

// @tag.name Jobs
// @tag.description Scheduled sweeps and bar synchronisation

// @tag.name Config
// @tag.description Live grid search limits

// @tag.name WebSocket
// @tag.description Sweep progress streaming
