package controller

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"toolforge/ledger"
	"toolforge/models"
)

func setupStudio(t *testing.T) (*fiber.App, *StudioController, *gorm.DB, *models.User) {
	t.Helper()
	db := openTestDB(t)
	require.NoError(t, db.AutoMigrate(
		&models.Project{},
		&models.ProjectVote{},
		&models.ProjectReview{},
		&models.ProjectAudit{},
		&models.AuditUnlock{},
	))

	user := seedUser(t, db, 5, 100, false)
	store := ledger.NewStore(db, nil, testLogger())
	sc := NewStudioController(db, store, testLogger())

	app := fiber.New()
	// Stand-in for the JWT middleware
	app.Use(func(c *fiber.Ctx) error {
		c.Locals("user", user)
		return c.Next()
	})
	app.Post("/studio/projects", sc.CreateProject)
	app.Get("/studio/projects", sc.ListProjects)
	app.Get("/studio/projects/:slug", sc.GetProject)
	app.Post("/studio/projects/:id/vote", sc.ToggleVote)
	app.Post("/studio/projects/:id/reviews", sc.CreateReview)
	app.Post("/studio/projects/:id/boost", sc.BoostProject)
	app.Post("/studio/projects/:id/audit/unlock", sc.UnlockAudit)
	app.Get("/studio/projects/:id/audit", sc.GetAudit)

	return app, sc, db, user
}

func jsonRequest(t *testing.T, method, target string, body any) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set("Content-Type", "application/json")
	return req
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func seedProject(t *testing.T, db *gorm.DB, ownerID uint, name, slug string) *models.Project {
	t.Helper()
	project := models.Project{
		UserID: ownerID,
		Name:   name,
		Slug:   slug,
	}
	require.NoError(t, db.Create(&project).Error)
	return &project
}

func TestCreateProjectSlugifiesName(t *testing.T) {
	app, _, db, _ := setupStudio(t)

	resp, err := app.Test(jsonRequest(t, http.MethodPost, "/studio/projects", fiber.Map{
		"name":    "My AI Résumé Helper!",
		"tagline": "Fix your resume in one click",
	}), -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)

	var project models.Project
	require.NoError(t, db.Where("name = ?", "My AI Résumé Helper!").First(&project).Error)
	require.NotEmpty(t, project.Slug)
	require.NotContains(t, project.Slug, " ")
	require.NotContains(t, project.Slug, "!")
}

func TestVoteTogglesAndKeepsCounter(t *testing.T) {
	app, _, db, user := setupStudio(t)
	project := seedProject(t, db, user.ID, "Widget", "widget")

	url := fmt.Sprintf("/studio/projects/%d/vote", project.ID)

	resp, err := app.Test(jsonRequest(t, http.MethodPost, url, nil), -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	require.Equal(t, true, decodeBody(t, resp)["voted"])

	var got models.Project
	require.NoError(t, db.First(&got, project.ID).Error)
	require.Equal(t, 1, got.Votes)

	// Second call removes the vote
	resp, err = app.Test(jsonRequest(t, http.MethodPost, url, nil), -1)
	require.NoError(t, err)
	require.Equal(t, false, decodeBody(t, resp)["voted"])

	require.NoError(t, db.First(&got, project.ID).Error)
	require.Equal(t, 0, got.Votes)
}

func TestBoostSpendsCreditsAndSetsWindow(t *testing.T) {
	app, _, db, user := setupStudio(t)
	project := seedProject(t, db, user.ID, "Widget", "widget")

	resp, err := app.Test(jsonRequest(t, http.MethodPost,
		fmt.Sprintf("/studio/projects/%d/boost", project.ID), nil), -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var got models.Project
	require.NoError(t, db.First(&got, project.ID).Error)
	require.NotNil(t, got.BoostedUntil)

	// 100 credits spent: 5 free first, then 95 paid
	account := reload(t, db, user.ID)
	require.Equal(t, 0, account.FreeCredits)
	require.Equal(t, 5, account.PaidCredits)
}

func TestBoostRequiresSufficientCredits(t *testing.T) {
	app, _, db, user := setupStudio(t)
	require.NoError(t, db.Model(&models.User{}).Where("id = ?", user.ID).
		Updates(map[string]interface{}{"free_credits": 1, "paid_credits": 2}).Error)
	project := seedProject(t, db, user.ID, "Widget", "widget")

	resp, err := app.Test(jsonRequest(t, http.MethodPost,
		fmt.Sprintf("/studio/projects/%d/boost", project.ID), nil), -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusPaymentRequired, resp.StatusCode)

	account := reload(t, db, user.ID)
	require.Equal(t, 1, account.FreeCredits)
	require.Equal(t, 2, account.PaidCredits)
}

func TestBoostForbiddenForNonOwner(t *testing.T) {
	app, _, db, _ := setupStudio(t)
	other := models.User{Email: "other@example.com", PasswordHash: "x"}
	require.NoError(t, db.Create(&other).Error)
	project := seedProject(t, db, other.ID, "Widget", "widget")

	resp, err := app.Test(jsonRequest(t, http.MethodPost,
		fmt.Sprintf("/studio/projects/%d/boost", project.ID), nil), -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusForbidden, resp.StatusCode)
}

func TestUnlockAuditSpendsOnceThenFree(t *testing.T) {
	app, _, db, user := setupStudio(t)
	project := seedProject(t, db, user.ID, "Widget", "widget")
	require.NoError(t, db.Create(&models.ProjectAudit{
		ProjectID: project.ID,
		Score:     82,
		Summary:   "Solid overall",
		Body:      `{"sections":[]}`,
	}).Error)

	url := fmt.Sprintf("/studio/projects/%d/audit/unlock", project.ID)

	resp, err := app.Test(jsonRequest(t, http.MethodPost, url, nil), -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	require.Equal(t, `{"sections":[]}`, body["body"])

	account := reload(t, db, user.ID)
	require.Equal(t, 55, account.FreeCredits+account.PaidCredits)

	// Unlocking again returns the body without charging
	resp, err = app.Test(jsonRequest(t, http.MethodPost, url, nil), -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	account = reload(t, db, user.ID)
	require.Equal(t, 55, account.FreeCredits+account.PaidCredits)
}

func TestAuditBodyHiddenWithoutUnlock(t *testing.T) {
	app, _, db, user := setupStudio(t)
	project := seedProject(t, db, user.ID, "Widget", "widget")
	require.NoError(t, db.Create(&models.ProjectAudit{
		ProjectID: project.ID,
		Score:     60,
		Summary:   "Needs work",
		Body:      "secret",
	}).Error)

	resp, err := app.Test(jsonRequest(t, http.MethodGet,
		fmt.Sprintf("/studio/projects/%d/audit", project.ID), nil), -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	require.Equal(t, false, body["unlocked"])
	require.NotContains(t, body, "body")
	require.Equal(t, "Needs work", body["summary"])
}

func TestReviewRatingValidated(t *testing.T) {
	app, _, db, user := setupStudio(t)
	project := seedProject(t, db, user.ID, "Widget", "widget")

	resp, err := app.Test(jsonRequest(t, http.MethodPost,
		fmt.Sprintf("/studio/projects/%d/reviews", project.ID),
		fiber.Map{"rating": 9, "body": "great"}), -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	resp, err = app.Test(jsonRequest(t, http.MethodPost,
		fmt.Sprintf("/studio/projects/%d/reviews", project.ID),
		fiber.Map{"rating": 4, "body": "great"}), -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)
}
