// Package types 定義了 shiftplan 系統中使用的核心領域模型
package types

import (
	"time"
)

// JobID 遠端最佳化任務唯一識別碼
type JobID string

// JobStatus 遠端任務狀態
type JobStatus string

// 定義任務狀態常數（與遠端服務回傳值一致）
const (
	StatusQueued     JobStatus = "queued"     // 已排入遠端佇列
	StatusProcessing JobStatus = "processing" // 遠端求解中
	StatusCompleted  JobStatus = "completed"  // 完成，result 可用
	StatusFailed     JobStatus = "failed"     // 失敗，error 帶有原因
)

// Terminal 判斷狀態是否為終態
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Job 遠端任務的本地視圖
type Job struct {
	ID        JobID     `json:"job_id"`
	Status    JobStatus `json:"status"`
	Attempts  int       `json:"attempts"`         // 已輪詢次數
	Error     string    `json:"error,omitempty"`  // 遠端回報的失敗原因
	CreatedAt int64     `json:"created_at"`       // Unix 毫秒
	UpdatedAt int64     `json:"updated_at"`       // Unix 毫秒
	Result    *Schedule `json:"result,omitempty"` // 完成時的排班結果
}

// ============================================================================
// 排班資料
// ============================================================================

// Shift 單一班次，欄位名稱與遠端求解器輸出一致
type Shift struct {
	ID           string   `json:"id"`
	EmployeeID   string   `json:"employee_id"`
	EmployeeName string   `json:"employee_name,omitempty"`
	Date         string   `json:"date"` // YYYY-MM-DD
	StartTime    string   `json:"start_time"`
	EndTime      string   `json:"end_time"`
	Role         string   `json:"role,omitempty"`
	ActivityID   string   `json:"activity_id,omitempty"`
	Affinity     *float64 `json:"affinity,omitempty"`
	AbsenceRisk  *float64 `json:"absence_risk,omitempty"`
}

// Schedule 遠端任務完成後的結果
type Schedule struct {
	Shifts []Shift `json:"schedule"`
}

// DefaultSlot 未指定 slot 時使用的文件 key
const DefaultSlot = "current"

// ScheduleDocument 權威的排班文件
// 由完成的 Job 產生或從 Live Store 載入；本地移動時以 copy-on-write 修改
type ScheduleDocument struct {
	Slot      string    `json:"slot"`
	Schedule  []Shift   `json:"schedule"`
	UpdatedAt time.Time `json:"updated_at"`
	Version   int64     `json:"version"` // 由 store 指派，同一 slot 單調遞增
}

// Clone 深拷貝文件
func (d ScheduleDocument) Clone() ScheduleDocument {
	out := d
	out.Schedule = CloneShifts(d.Schedule)
	return out
}

// CloneShifts 深拷貝班次列表（包含指標欄位）
func CloneShifts(in []Shift) []Shift {
	if in == nil {
		return nil
	}
	out := make([]Shift, len(in))
	for i, s := range in {
		out[i] = s
		if s.Affinity != nil {
			v := *s.Affinity
			out[i].Affinity = &v
		}
		if s.AbsenceRisk != nil {
			v := *s.AbsenceRisk
			out[i].AbsenceRisk = &v
		}
	}
	return out
}

// ============================================================================
// 目錄資料
// ============================================================================

// Employee 員工
type Employee struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Role        string    `json:"role"`
	Preferences []float64 `json:"preferences,omitempty"`
}

// Activity 活動 / 職位需求
type Activity struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	RoleRequired string `json:"role_required,omitempty"`
	Code         string `json:"code,omitempty"`
}

// DemandConfig 每日需求人數設定
type DemandConfig struct {
	WeekdayTarget int  `json:"weekdayTarget"`
	WeekendTarget int  `json:"weekendTarget"`
	AIEnabled     bool `json:"aiEnabled"`
}

// DefaultDemandConfig 遠端無資料時的預設值
func DefaultDemandConfig() DemandConfig {
	return DemandConfig{WeekdayTarget: 3, WeekendTarget: 2}
}

// Unavailability 員工某日不可排班
type Unavailability struct {
	EmployeeID string `json:"employee_id"`
	Date       string `json:"date"`
}

// RequiredShift 生成請求中的一個待排班次，每筆對應結果中的一個 Shift
// ID 會原樣回到結果的 Shift.ID
type RequiredShift struct {
	ID         string `json:"id"`
	Date       string `json:"date"`
	StartTime  string `json:"start_time"`
	EndTime    string `json:"end_time"`
	Role       string `json:"role"`
	ActivityID string `json:"activity_id,omitempty"`
}

// Constraints 求解限制
type Constraints struct {
	MinRestHours int `json:"min_rest_hours"`
}

// GenerateRequest 提交給遠端服務的生成請求
type GenerateRequest struct {
	StartDate        string           `json:"start_date"`
	EndDate          string           `json:"end_date"`
	Employees        []Employee       `json:"employees"`
	Activities       []Activity       `json:"activities"`
	RequiredShifts   []RequiredShift  `json:"required_shifts"`
	Unavailabilities []Unavailability `json:"unavailabilities"`
	Constraints      Constraints      `json:"constraints"`
}

// Period 歷史出勤區段（/agent/periods），用於比較視窗
// 時間欄位保留原始字串，遠端回傳的 ISO 時間不一定帶時區
type Period struct {
	ID            string     `json:"id,omitempty"`
	Environment   string     `json:"environment"`
	Register      string     `json:"tmregister,omitempty"`
	AllDay        bool       `json:"allDay"`
	PartialDay    string     `json:"partialDay,omitempty"`
	BeginTimePlan string     `json:"beginTimePlan,omitempty"`
	EndTimePlan   string     `json:"endTimePlan,omitempty"`
	Employment    *PeriodRef `json:"employment,omitempty"`
	Activity      *PeriodRef `json:"activities,omitempty"`
}

// PeriodRef 區段中嵌入的員工 / 活動參照
type PeriodRef struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// ============================================================================
// 訓練狀態
// ============================================================================

// TrainingPhase 訓練階段
type TrainingPhase string

const (
	PhaseMapping    TrainingPhase = "MAPPING"
	PhaseExtraction TrainingPhase = "EXTRACTION"
	PhaseTraining   TrainingPhase = "TRAINING"
	PhaseIdle       TrainingPhase = "IDLE"
)

// 訓練狀態值
const (
	TrainingStarting = "starting"
	TrainingRunning  = "running"
	TrainingComplete = "complete"
	TrainingError    = "error"
	TrainingIdle     = "idle"
)

// TrainingStatus 訓練進度快照，只用於顯示
type TrainingStatus struct {
	Status      string         `json:"status"`
	Phase       TrainingPhase  `json:"phase"`
	Progress    float64        `json:"progress"`
	Message     string         `json:"message,omitempty"`
	Logs        []string       `json:"logs,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
	LastUpdated string         `json:"last_updated,omitempty"`
}

// IdleTrainingStatus 遠端尚未回報任何進度時的狀態
func IdleTrainingStatus() TrainingStatus {
	return TrainingStatus{Status: TrainingIdle, Phase: PhaseIdle}
}

// ============================================================================
// 回饋
// ============================================================================

// FeedbackRecord 使用者手動調整班次後送出的偏好回饋
type FeedbackRecord struct {
	ID         string    `json:"id"`
	Action     string    `json:"action"` // 目前只有 "select"
	SelectedID string    `json:"selected_id"`
	RejectedID string    `json:"rejected_id"`
	ShiftData  Shift     `json:"shift_data"`
	CreatedAt  time.Time `json:"created_at"`
}
