package controller

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/badoux/checkmail"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"toolforge/config"
	"toolforge/ledger"
	"toolforge/models"
	"toolforge/utils"
)

type RegisterRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8"`
	Name     string `json:"name" validate:"omitempty,max=100"`
	Username string `json:"username" validate:"omitempty,min=3,max=30,alphanum"`
}

type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type AuthResponse struct {
	AccessToken  string           `json:"access_token"`
	RefreshToken string           `json:"refresh_token"`
	User         *models.User     `json:"user"`
	Credits      *ledger.Snapshot `json:"credits,omitempty"`
}

type RefreshTokenRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

var (
	googleOAuthConfig *oauth2.Config

	// creditStore is shared by handlers that need ledger operations on
	// login/refresh; wired during route setup.
	creditStore *ledger.Store
)

// InitAuth wires the OAuth config and the ledger store used on login.
func InitAuth(store *ledger.Store) {
	creditStore = store
	googleOAuthConfig = &oauth2.Config{
		ClientID:     config.AppConfig.Google.ClientID,
		ClientSecret: config.AppConfig.Google.ClientSecret,
		RedirectURL:  config.AppConfig.Google.RedirectURI,
		Scopes: []string{
			"https://www.googleapis.com/auth/userinfo.email",
			"https://www.googleapis.com/auth/userinfo.profile",
		},
		Endpoint: google.Endpoint,
	}
}

func Register(c *fiber.Ctx) error {
	var req RegisterRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	// Validate request
	if err := utils.ValidateStruct(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	if err := checkmail.ValidateFormat(req.Email); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "email must be a valid email",
		})
	}

	// Check if user already exists
	var existingUser models.User
	if err := config.DB.Where("email = ?", req.Email).First(&existingUser).Error; err == nil {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": "Email already registered",
		})
	}

	// Hash password
	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to hash password",
		})
	}

	// Create user; the weekly free allotment starts now
	now := time.Now()
	user := models.User{
		Email:        req.Email,
		PasswordHash: string(hashedPassword),
		IsActive:     true,
		FreeCredits:  ledger.WeeklyFreeAllotment,
		FreeResetAt:  &now,
	}
	if req.Name != "" {
		user.Name = &req.Name
	}
	if req.Username != "" {
		user.Username = &req.Username
	}

	if err := config.DB.Create(&user).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to create user",
		})
	}

	// Generate tokens
	accessToken, refreshToken, err := utils.GenerateJWTToken(&user)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to generate tokens",
		})
	}

	go func() {
		if err := utils.SendWelcomeEmail(user.Email); err != nil {
			logrus.WithError(err).WithField("email", user.Email).Warn("failed to send welcome email")
		}
	}()

	return c.Status(fiber.StatusCreated).JSON(AuthResponse{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		User:         &user,
	})
}

func Login(c *fiber.Ctx) error {
	var req LoginRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	// Validate request
	if err := utils.ValidateStruct(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	// Find user
	var user models.User
	if err := config.DB.Where("email = ?", req.Email).First(&user).Error; err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Invalid email or password",
		})
	}

	// Check password
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Invalid email or password",
		})
	}

	// Check if user is active
	if !user.IsActive {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
			"error": "Account is not active",
		})
	}

	// Generate tokens
	accessToken, refreshToken, err := utils.GenerateJWTToken(&user)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to generate tokens",
		})
	}

	// Login is a refill opportunity: apply due weekly/monthly top-ups and
	// hand the client a fresh snapshot.
	snap := applyRefillsAndSnapshot(c.Context(), user.ID)

	return c.JSON(AuthResponse{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		User:         &user,
		Credits:      snap,
	})
}

func RefreshToken(c *fiber.Ctx) error {
	var req RefreshTokenRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if err := utils.ValidateStruct(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	accessToken, refreshToken, err := utils.RefreshTokens(req.RefreshToken)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Invalid or expired refresh token",
		})
	}

	return c.JSON(fiber.Map{
		"access_token":  accessToken,
		"refresh_token": refreshToken,
	})
}

// Logout revokes all outstanding tokens by bumping the token version.
func Logout(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	if err := config.DB.Model(user).Update("token_version", user.TokenVersion+1).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to log out",
		})
	}

	return c.JSON(fiber.Map{"message": "Logged out"})
}

func GetCurrentUser(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	snap := applyRefillsAndSnapshot(c.Context(), user.ID)

	return c.JSON(fiber.Map{
		"user":    user,
		"credits": snap,
	})
}

func GoogleOAuth(c *fiber.Ctx) error {
	// Generate OAuth state token with CSRF protection
	state, err := generateStateToken()
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to generate state token",
		})
	}

	// Store state in HTTP-only secure cookie with short expiry
	cookie := new(fiber.Cookie)
	cookie.Name = "oauth_state"
	cookie.Value = state
	cookie.Expires = time.Now().Add(10 * time.Minute)
	cookie.HTTPOnly = true
	cookie.Secure = true
	cookie.SameSite = "Lax"
	c.Cookie(cookie)

	url := googleOAuthConfig.AuthCodeURL(state, oauth2.AccessTypeOffline)
	return c.Redirect(url, fiber.StatusTemporaryRedirect)
}

func GoogleOAuthCallback(c *fiber.Ctx) error {
	// Verify state token from cookie
	state := c.Query("state")
	cookieState := c.Cookies("oauth_state")

	if state == "" || cookieState == "" || state != cookieState {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid state parameter",
		})
	}
	c.ClearCookie("oauth_state")

	code := c.Query("code")
	if code == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Authorization code not provided",
		})
	}

	// Exchange code for token
	token, err := googleOAuthConfig.Exchange(context.Background(), code)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to exchange token",
		})
	}

	// Get user info
	client := googleOAuthConfig.Client(context.Background(), token)
	resp, err := client.Get("https://www.googleapis.com/oauth2/v2/userinfo")
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to get user info",
		})
	}
	defer resp.Body.Close()

	if resp.StatusCode != fiber.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		logrus.WithField("body", string(body)).Error("google userinfo request failed")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Google API error",
		})
	}

	var googleUser struct {
		ID      string `json:"id"`
		Email   string `json:"email"`
		Name    string `json:"name"`
		Picture string `json:"picture"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&googleUser); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to parse user info",
		})
	}
	if googleUser.ID == "" || googleUser.Email == "" {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Incomplete user info from Google",
		})
	}

	// Find by Google ID first, then by email (linking an existing account),
	// otherwise create a fresh one.
	var user models.User
	err = config.DB.Where("google_id = ?", googleUser.ID).First(&user).Error
	if err != nil {
		err = config.DB.Where("email = ?", googleUser.Email).First(&user).Error
	}
	if err != nil {
		now := time.Now()
		user = models.User{
			Email:        googleUser.Email,
			PasswordHash: "-", // OAuth-only account
			IsActive:     true,
			FreeCredits:  ledger.WeeklyFreeAllotment,
			FreeResetAt:  &now,
		}
		if googleUser.Name != "" {
			user.Name = &googleUser.Name
		}
		if err := config.DB.Create(&user).Error; err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "Failed to create user",
			})
		}
	}

	updates := map[string]interface{}{
		"google_id":      googleUser.ID,
		"email_verified": true,
	}
	if googleUser.Picture != "" {
		updates["google_image_url"] = googleUser.Picture
	}
	if err := config.DB.Model(&user).Updates(updates).Error; err != nil {
		logrus.WithError(err).Warn("failed to update google profile fields")
	}

	accessToken, refreshToken, err := utils.GenerateJWTToken(&user)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to generate tokens",
		})
	}

	applyRefillsAndSnapshot(c.Context(), user.ID)

	redirect := fmt.Sprintf("%s/auth/callback?access_token=%s&refresh_token=%s",
		config.AppConfig.FrontendURL, accessToken, refreshToken)
	return c.Redirect(redirect, fiber.StatusTemporaryRedirect)
}

// applyRefillsAndSnapshot runs due top-ups and returns a fresh snapshot.
// Refill failures are logged, never surfaced: login must not break because a
// top-up raced another tab.
func applyRefillsAndSnapshot(ctx context.Context, userID uint) *ledger.Snapshot {
	if creditStore == nil {
		return nil
	}
	if _, _, err := creditStore.ApplyRefills(ctx, userID, time.Now()); err != nil {
		logrus.WithError(err).WithField("user_id", userID).Warn("refill on login failed")
	}
	snap, err := creditStore.Refresh(ctx, userID)
	if err != nil {
		logrus.WithError(err).WithField("user_id", userID).Warn("snapshot refresh on login failed")
		return nil
	}
	return snap
}

func generateStateToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
