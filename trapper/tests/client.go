package tests

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"time"

	"trapper_platform/trapper/classify"
	"trapper_platform/trapper/services"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

type httpTestRequest struct {
	api http.Handler

	method   string
	endpoint string
	headers  map[string]string
	json     interface{}
	body     io.Reader
	login    *loginInfo
}

func newHttpTestRequest(api http.Handler, method, endpoint string) *httpTestRequest {
	return &httpTestRequest{api: api, method: method, endpoint: endpoint}
}

func (r *httpTestRequest) Header(key, value string) *httpTestRequest {
	if r.headers == nil {
		r.headers = make(map[string]string)
	}
	r.headers[key] = value
	return r
}

func (r *httpTestRequest) Login(email, password string) *httpTestRequest {
	r.login = &loginInfo{Email: email, Password: password}
	return r
}

func (r *httpTestRequest) Auth(token string) *httpTestRequest {
	return r.Header("Authorization", fmt.Sprintf("Bearer %v", token))
}

func (r *httpTestRequest) Json(data interface{}) *httpTestRequest {
	r.json = data
	return r
}

type formFile struct {
	field    string
	filename string
	data     []byte
}

// Multipart sends fields and files as multipart/form-data.
func (r *httpTestRequest) Multipart(fields map[string]string, files ...formFile) *httpTestRequest {
	body := new(bytes.Buffer)
	writer := multipart.NewWriter(body)
	for k, v := range fields {
		_ = writer.WriteField(k, v)
	}
	for _, f := range files {
		part, _ := writer.CreateFormFile(f.field, f.filename)
		_, _ = part.Write(f.data)
	}
	_ = writer.Close()

	r.body = body
	return r.Header("Content-Type", writer.FormDataContentType())
}

// Raw runs the request and returns the recorder without checking the status.
func (r *httpTestRequest) Raw() (*httptest.ResponseRecorder, error) {
	if r.json != nil {
		body := new(bytes.Buffer)
		if err := json.NewEncoder(body).Encode(r.json); err != nil {
			return nil, fmt.Errorf("error encoding json body for endpoint %v: %w", r.endpoint, err)
		}
		r.body = body
	}

	req := httptest.NewRequest(r.method, r.endpoint, r.body)
	for k, v := range r.headers {
		req.Header.Add(k, v)
	}
	if r.login != nil {
		req.SetBasicAuth(r.login.Email, r.login.Password)
	}

	w := httptest.NewRecorder()
	r.api.ServeHTTP(w, req)
	return w, nil
}

// response body will be parsed into result, passing nil indicates that no result is returned.
func (r *httpTestRequest) Do(result interface{}) error {
	w, err := r.Raw()
	if err != nil {
		return err
	}

	res := w.Result()
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return &statusError{
			method:   r.method,
			endpoint: r.endpoint,
			code:     res.StatusCode,
			content:  w.Body.String(),
		}
	}

	if result != nil {
		if err := json.NewDecoder(res.Body).Decode(result); err != nil {
			return fmt.Errorf("error parsing %v response from endpoint %v: %w", r.method, r.endpoint, err)
		}
	}

	return nil
}

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrInvalid      = errors.New("unprocessable")
)

type statusError struct {
	method   string
	endpoint string
	code     int
	content  string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("%v request to endpoint %v returned status %d, content '%v'", e.method, e.endpoint, e.code, e.content)
}

func (e *statusError) Is(target error) bool {
	switch target {
	case ErrUnauthorized:
		return e.code == http.StatusUnauthorized
	case ErrForbidden:
		return e.code == http.StatusForbidden
	case ErrNotFound:
		return e.code == http.StatusNotFound
	case ErrConflict:
		return e.code == http.StatusConflict
	case ErrInvalid:
		return e.code == http.StatusUnprocessableEntity
	}
	return false
}

type client struct {
	api       chi.Router
	authToken string
	userId    string
}

func (c *client) request(method, endpoint string) *httpTestRequest {
	r := newHttpTestRequest(c.api, method, endpoint)
	if c.authToken != "" {
		return r.Auth(c.authToken)
	}
	return r
}

func (c *client) Get(endpoint string) *httpTestRequest {
	return c.request("GET", endpoint)
}

func (c *client) Post(endpoint string) *httpTestRequest {
	return c.request("POST", endpoint)
}

func (c *client) Delete(endpoint string) *httpTestRequest {
	return c.request("DELETE", endpoint)
}

type loginInfo struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type idResponse struct {
	Id string `json:"id"`
}

type taskResponse struct {
	TaskId string `json:"task_id"`
}

type countResponse struct {
	Count int `json:"count"`
}

type page[T any] struct {
	Items []T `json:"items"`
	Total int `json:"total"`
}

func (c *client) signup(username, email, password string) (string, error) {
	body := map[string]string{"email": email, "username": username, "password": password}

	var res map[string]string
	err := c.Post("/user/signup").Json(body).Do(&res)
	return res["user_id"], err
}

func (c *client) login(login loginInfo) error {
	var res map[string]string
	err := c.Get("/user/login").Login(login.Email, login.Password).Do(&res)
	if err != nil {
		return err
	}

	c.authToken = res["access_token"]
	c.userId = res["user_id"]

	return nil
}

func (c *client) activateUser(userId string) error {
	return c.Post(fmt.Sprintf("/user/%v/activate", userId)).Do(nil)
}

func (c *client) deleteUser(userId string) error {
	return c.Delete(fmt.Sprintf("/user/%v", userId)).Do(nil)
}

func (c *client) listInactive() ([]services.UserInfo, error) {
	var res []services.UserInfo
	err := c.Get("/user/inactive").Do(&res)
	return res, err
}

func (c *client) userInfo() (services.UserInfo, error) {
	var res services.UserInfo
	err := c.Get("/user/info").Do(&res)
	return res, err
}

func (c *client) inbox() ([]services.MessageInfo, error) {
	var res []services.MessageInfo
	err := c.Get("/messages/inbox").Do(&res)
	return res, err
}

func (c *client) createLocation(locationId string, lon, lat float64) (string, error) {
	body := map[string]interface{}{"location_id": locationId, "longitude": lon, "latitude": lat, "timezone": "Europe/Warsaw"}

	var res idResponse
	err := c.Post("/locations/create").Json(body).Do(&res)
	return res.Id, err
}

func (c *client) createResearchProject(name, acronym string) (string, error) {
	body := map[string]string{"name": name, "acronym": acronym}

	var res idResponse
	err := c.Post("/research-projects/create").Json(body).Do(&res)
	return res.Id, err
}

func (c *client) decideResearchProject(projectId, status string) error {
	return c.Post(fmt.Sprintf("/research-projects/%v/decision", projectId)).Json(map[string]string{"status": status}).Do(nil)
}

func (c *client) addProjectCollections(projectId string, collectionIds ...string) error {
	body := map[string][]string{"collection_ids": collectionIds}
	return c.Post(fmt.Sprintf("/research-projects/%v/collections/add", projectId)).Json(body).Do(nil)
}

func (c *client) createCollection(name, status string) (string, error) {
	body := map[string]string{"name": name, "status": status}

	var res idResponse
	err := c.Post("/collections/create").Json(body).Do(&res)
	return res.Id, err
}

func (c *client) collectionInfo(collectionId string) (services.CollectionInfo, error) {
	var res services.CollectionInfo
	err := c.Get(fmt.Sprintf("/collections/%v", collectionId)).Do(&res)
	return res, err
}

func (c *client) upload(definition string, archive []byte) (string, error) {
	var res taskResponse
	err := c.Post("/collections/upload").
		Multipart(map[string]string{"definition": definition}, formFile{field: "archive", filename: "archive.zip", data: archive}).
		Do(&res)
	return res.TaskId, err
}

func (c *client) task(taskId string) (services.TaskInfo, error) {
	var res services.TaskInfo
	err := c.Get(fmt.Sprintf("/tasks/%v", taskId)).Do(&res)
	return res, err
}

func (c *client) listResources(query string) (page[services.ResourceInfo], error) {
	var res page[services.ResourceInfo]
	err := c.Get("/resources/list" + query).Do(&res)
	return res, err
}

func (c *client) createClassificator(name string) (string, error) {
	var res idResponse
	err := c.Post("/classificators/create").Json(map[string]string{"name": name}).Do(&res)
	return res.Id, err
}

func (c *client) setCustomAttr(classificatorId, name, fieldType, target string, values ...string) error {
	body := map[string]interface{}{"name": name, "field_type": fieldType, "target": target, "values": values}
	return c.Post(fmt.Sprintf("/classificators/%v/attrs/custom", classificatorId)).Json(body).Do(nil)
}

func (c *client) cloneClassificator(classificatorId string) (services.ClassificatorInfo, error) {
	var res services.ClassificatorInfo
	err := c.Post(fmt.Sprintf("/classificators/%v/clone", classificatorId)).Do(&res)
	return res, err
}

func (c *client) createClassificationProject(name, researchProjectId, classificatorId string) (string, error) {
	body := map[string]string{"name": name, "research_project_id": researchProjectId, "classificator_id": classificatorId}

	var res idResponse
	err := c.Post("/classification-projects/create").Json(body).Do(&res)
	return res.Id, err
}

func (c *client) setClassificationRole(projectId, userId, role string) error {
	body := map[string]string{"user_id": userId, "role": role}
	return c.Post(fmt.Sprintf("/classification-projects/%v/roles", projectId)).Json(body).Do(nil)
}

func (c *client) addClassificationCollections(projectId string, collectionIds ...string) (int, error) {
	var res countResponse
	err := c.Post(fmt.Sprintf("/classification-projects/%v/collections/add", projectId)).
		Json(map[string][]string{"collection_ids": collectionIds}).Do(&res)
	return res.Count, err
}

func (c *client) listClassifications(projectId string) (page[services.ClassificationInfo], error) {
	var res page[services.ClassificationInfo]
	err := c.Get(fmt.Sprintf("/classification-projects/%v/classifications", projectId)).Do(&res)
	return res, err
}

func classificationPath(projectId, classificationId uuid.UUID, action string) string {
	path := fmt.Sprintf("/classification-projects/%v/classifications/%v", projectId, classificationId)
	if action != "" {
		path += "/" + action
	}
	return path
}

func (c *client) submit(projectId, classificationId uuid.UUID, static map[string]interface{}, dynamic []map[string]interface{}) (services.UserClassificationInfo, error) {
	body := map[string]interface{}{"static": static, "dynamic": dynamic}

	var res services.UserClassificationInfo
	err := c.Post(classificationPath(projectId, classificationId, "submit")).Json(body).Do(&res)
	return res, err
}

func (c *client) approve(projectId, classificationId, userClassificationId uuid.UUID) (services.ClassificationInfo, error) {
	body := map[string]interface{}{"user_classification_id": userClassificationId}

	var res services.ClassificationInfo
	err := c.Post(classificationPath(projectId, classificationId, "approve")).Json(body).Do(&res)
	return res, err
}

func (c *client) unapprove(projectId, classificationId uuid.UUID) (services.ClassificationInfo, error) {
	var res services.ClassificationInfo
	err := c.Post(classificationPath(projectId, classificationId, "unapprove")).Do(&res)
	return res, err
}

func (c *client) unapproveAt(projectId, classificationId uuid.UUID, expected time.Time) error {
	body := map[string]time.Time{"expected_updated_at": expected}
	return c.Post(classificationPath(projectId, classificationId, "unapprove")).Json(body).Do(nil)
}

func (c *client) bulkApprove(projectId uuid.UUID, userClassificationIds ...uuid.UUID) error {
	body := map[string][]uuid.UUID{"ids": userClassificationIds}
	return c.Post(fmt.Sprintf("/classification-projects/%v/classifications/bulk-approve", projectId)).Json(body).Do(nil)
}

func (c *client) classification(projectId, classificationId uuid.UUID) (classificationDetails, error) {
	var res classificationDetails
	err := c.Get(classificationPath(projectId, classificationId, "")).Do(&res)
	return res, err
}

type classificationDetails struct {
	services.ClassificationInfo
	UserClassifications []services.UserClassificationInfo `json:"user_classifications"`
}

func (c *client) requestCollections(projectId string, collectionIds ...string) (string, error) {
	body := map[string]interface{}{"name": "access", "project_id": projectId, "collection_ids": collectionIds}

	var res idResponse
	err := c.Post("/requests/create").Json(body).Do(&res)
	return res.Id, err
}

func (c *client) resolveRequest(requestId string, approve bool) error {
	action := "reject"
	if approve {
		action = "approve"
	}
	return c.Post(fmt.Sprintf("/requests/%v/%v", requestId, action)).Do(nil)
}

func (c *client) revokeRequest(requestId string) error {
	return c.Post(fmt.Sprintf("/requests/%v/revoke", requestId)).Do(nil)
}

func (c *client) searchSpecies(query url.Values) ([]classify.Choice, error) {
	var res []classify.Choice
	err := c.Get("/species?" + query.Encode()).Do(&res)
	return res, err
}

func (c *client) classificator(classificatorId string) (services.ClassificatorInfo, error) {
	var res services.ClassificatorInfo
	err := c.Get(fmt.Sprintf("/classificators/%v", classificatorId)).Do(&res)
	return res, err
}
