package handlers

import "github.com/gin-gonic/gin"

// Routes groups the handlers mounted under /api and /ws.
type Routes struct {
	Auth      *AuthHandler
	Messages  *MessageHandler
	Users     *UserHandler
	WebSocket gin.HandlerFunc
}

// Register mounts every route. authLimit, when non-nil, guards login and
// register.
func (r Routes) Register(router *gin.Engine, authLimit gin.HandlerFunc) {
	api := router.Group("/api")

	authGroup := api.Group("/auth")
	if authLimit != nil {
		authGroup.Use(authLimit)
	}
	authGroup.POST("/register", r.Auth.Register)
	authGroup.POST("/login", r.Auth.Login)

	protected := api.Group("")
	protected.Use(r.Auth.AuthMiddleware())
	{
		protected.GET("/auth/me", r.Auth.Me)

		protected.GET("/chats", r.Messages.GetChats)
		protected.POST("/chats", r.Messages.CreateChat)
		protected.GET("/chats/:id/messages", r.Messages.GetChatMessages)

		protected.POST("/messages", r.Messages.SendMessage)
		protected.PUT("/messages/:id/read", r.Messages.MarkAsRead)
		protected.DELETE("/messages/:id", r.Messages.DeleteMessage)

		protected.GET("/users", r.Users.GetUsers)
		protected.GET("/users/search", r.Users.SearchUsers)
		protected.PUT("/users/profile", r.Users.UpdateProfile)
		protected.POST("/users/update-status", r.Users.UpdateStatus)
	}

	if r.WebSocket != nil {
		router.GET("/ws/:user_id", r.Auth.AuthMiddleware(), r.WebSocket)
	}
}
