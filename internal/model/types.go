package model

import "time"

// DateLayout is the wire format for plan and calculation dates.
const DateLayout = "2006-01-02"

type GeoPoint struct {
	Lat float64 `json:"lat" yaml:"lat"`
	Lng float64 `json:"lng" yaml:"lng"`
}

// TimeWindow is a local clock window on the plan date, "HH:MM" each side.
type TimeWindow struct {
	Start string `json:"start" yaml:"start"`
	End   string `json:"end" yaml:"end"`
}

// PriorityLabel is the categorical output of the aggregator.
type PriorityLabel string

const (
	LabelUrgent  PriorityLabel = "URGENT"
	LabelHigh    PriorityLabel = "HIGH"
	LabelMedium  PriorityLabel = "MEDIUM"
	LabelRoutine PriorityLabel = "ROUTINE"
)

// Labels lists every label from lowest to highest rank.
var Labels = []PriorityLabel{LabelRoutine, LabelMedium, LabelHigh, LabelUrgent}

// Rank orders labels ROUTINE < MEDIUM < HIGH < URGENT. Unknown labels rank -1.
func (l PriorityLabel) Rank() int {
	switch l {
	case LabelRoutine:
		return 0
	case LabelMedium:
		return 1
	case LabelHigh:
		return 2
	case LabelUrgent:
		return 3
	}
	return -1
}

// IsHighPriority reports URGENT or HIGH.
func (l PriorityLabel) IsHighPriority() bool { return l == LabelUrgent || l == LabelHigh }

// IndicatorBundle holds the raw indicators recorded for one unit and period.
// Section maps are keyed by indicator name, e.g. "diabetes_prevalence".
type IndicatorBundle struct {
	UnitID        string             `json:"unitId" yaml:"unitId"`
	Period        string             `json:"period" yaml:"period"`
	RecordedFor   string             `json:"recordedFor" yaml:"recordedFor"`
	IsCore20      bool               `json:"isCore20" yaml:"isCore20"`
	IMDDecile     int                `json:"imdDecile,omitempty" yaml:"imdDecile,omitempty"`
	Clinical      map[string]float64 `json:"clinical,omitempty" yaml:"clinical,omitempty"`
	Deprivation   map[string]float64 `json:"deprivation,omitempty" yaml:"deprivation,omitempty"`
	Demographics  map[string]float64 `json:"demographics,omitempty" yaml:"demographics,omitempty"`
	Accessibility map[string]float64 `json:"accessibility,omitempty" yaml:"accessibility,omitempty"`
	CreatedAt     time.Time          `json:"createdAt,omitempty" yaml:"-"`
}

// Factor is one dimension's contribution to a composite score.
type Factor struct {
	Dimension     string            `json:"dimension"`
	Score         float64           `json:"score"`
	Bucket        string            `json:"bucket"`
	Weight        float64           `json:"weight"`
	Contribution  float64           `json:"contribution"`
	TopIndicators []IndicatorImpact `json:"topIndicators,omitempty"`
}

type IndicatorImpact struct {
	Indicator string  `json:"indicator"`
	Raw       float64 `json:"raw"`
	Scaled    float64 `json:"scaled"`
}

// Warning is a non-fatal scoring observation such as a clamped outlier.
type Warning struct {
	Indicator string  `json:"indicator"`
	Value     float64 `json:"value"`
	Message   string  `json:"message"`
}

// PriorityScore is an immutable scoring result for (unit, date, model version).
type PriorityScore struct {
	ID                   string            `json:"id"`
	UnitID               string            `json:"unitId"`
	CalculationDate      string            `json:"calculationDate"`
	ModelVersion         string            `json:"modelVersion"`
	IsCore20             bool              `json:"isCore20"`
	ClinicalScore        float64           `json:"clinicalRiskScore"`
	SocialScore          float64           `json:"socialVulnerabilityScore"`
	AccessibilityScore   float64           `json:"accessibilityScore"`
	BaseScore            float64           `json:"baseScore"`
	Core20Boost          float64           `json:"core20Boost"`
	PriorityScore        float64           `json:"priorityScore"`
	Label                PriorityLabel     `json:"priorityLabel"`
	Buckets              map[string]string `json:"buckets"`
	ExplanationText      string            `json:"explanationText"`
	Factors              []Factor          `json:"contributingFactors"`
	RequiresTranslator   bool              `json:"requiresTranslator"`
	RequiresSpecialist   bool              `json:"requiresSpecialist"`
	SpecialistConditions []string          `json:"specialistConditions,omitempty"`
	MinVisitMinutes      int               `json:"minVisitTimeMinutes"`
	Warnings             []Warning         `json:"warnings,omitempty"`
	CreatedAt            time.Time         `json:"createdAt"`
}

// VisitLocation is a place requiring a visit.
type VisitLocation struct {
	ID               string       `json:"id" yaml:"id"`
	UnitID           string       `json:"unitId,omitempty" yaml:"unitId,omitempty"`
	Name             string       `json:"name,omitempty" yaml:"name,omitempty"`
	Address          string       `json:"address,omitempty" yaml:"address,omitempty"`
	Postcode         string       `json:"postcode,omitempty" yaml:"postcode,omitempty"`
	Location         GeoPoint     `json:"location" yaml:"location"`
	LocationType     string       `json:"locationType,omitempty" yaml:"locationType,omitempty"`
	DurationMinutes  int          `json:"durationMinutes" yaml:"durationMinutes"`
	TimeWindows      []TimeWindow `json:"timeWindows,omitempty" yaml:"timeWindows,omitempty"`
	RequiredSkills   []string     `json:"requiredSkills,omitempty" yaml:"requiredSkills,omitempty"`
	PriorityOverride *float64     `json:"priorityOverride,omitempty" yaml:"priorityOverride,omitempty"`
	IsActive         bool         `json:"isActive" yaml:"isActive"`
}

// DefaultVisitDurationMinutes applies when a location omits its duration.
const DefaultVisitDurationMinutes = 30

// WorkingHours is a daily shift. RRule, when set, restricts the days worked
// (e.g. "FREQ=WEEKLY;BYDAY=MO,TU,WE,TH,FR").
type WorkingHours struct {
	Start string `json:"start" yaml:"start"`
	End   string `json:"end" yaml:"end"`
	RRule string `json:"rrule,omitempty" yaml:"rrule,omitempty"`
}

// Resource is a mobile unit (nurse, health visitor, vehicle).
type Resource struct {
	ID              string       `json:"id" yaml:"id"`
	Name            string       `json:"name,omitempty" yaml:"name,omitempty"`
	TeamID          string       `json:"teamId,omitempty" yaml:"teamId,omitempty"`
	ResourceType    string       `json:"resourceType,omitempty" yaml:"resourceType,omitempty"`
	MaxVisitsPerDay int          `json:"maxVisitsPerDay" yaml:"maxVisitsPerDay"`
	Skills          []string     `json:"skills,omitempty" yaml:"skills,omitempty"`
	StartLocation   GeoPoint     `json:"startLocation" yaml:"startLocation"`
	EndLocation     *GeoPoint    `json:"endLocation,omitempty" yaml:"endLocation,omitempty"`
	WorkingHours    WorkingHours `json:"workingHours" yaml:"workingHours"`
	IsAvailable     bool         `json:"isAvailable" yaml:"isAvailable"`
}

// DefaultMaxVisitsPerDay applies when a resource omits its capacity.
const DefaultMaxVisitsPerDay = 15

// OptimizeConfig carries the recognised optimize options.
type OptimizeConfig struct {
	TimeBudgetSeconds int  `json:"timeBudgetSeconds" yaml:"timeBudgetSeconds" validate:"gte=0,lte=600"`
	PrioritizeCore20  bool `json:"prioritizeCore20" yaml:"prioritizeCore20"`
	BalanceWorkload   bool `json:"balanceWorkload" yaml:"balanceWorkload"`
}

// DefaultOptimizeConfig mirrors the defaults of the optimize endpoint.
func DefaultOptimizeConfig() OptimizeConfig {
	return OptimizeConfig{TimeBudgetSeconds: 30, PrioritizeCore20: true, BalanceWorkload: true}
}

// Unassignment reasons.
const (
	ReasonSkill        = "skill"
	ReasonTimeWindow   = "time_window"
	ReasonWorkingHours = "working_hours"
	ReasonCapacity     = "capacity"
)

// Unassigned is a location the optimizer could not place, with the blocking constraint.
type Unassigned struct {
	LocationID string        `json:"locationId"`
	Label      PriorityLabel `json:"priorityLabel,omitempty"`
	Reason     string        `json:"reason"`
	Detail     string        `json:"detail,omitempty"`
}

// LabelCoverage is a covered/total pair.
type LabelCoverage struct {
	Covered int `json:"covered"`
	Total   int `json:"total"`
}

// Coverage is the equity metric for a plan.
type Coverage struct {
	Eligible   int                             `json:"eligible"`
	Covered    int                             `json:"covered"`
	Percentage float64                         `json:"coveragePercentage"`
	ByLabel    map[PriorityLabel]LabelCoverage `json:"byLabel"`
	Core20     LabelCoverage                   `json:"core20"`
}

// RouteStop is one visit in an assignment's sequence.
type RouteStop struct {
	ID                 string        `json:"id"`
	Sequence           int           `json:"stopSequence"`
	VisitLocationID    string        `json:"visitLocationId"`
	EstimatedArrival   time.Time     `json:"estimatedArrival"`
	EstimatedDeparture time.Time     `json:"estimatedDeparture"`
	TravelMeters       float64       `json:"travelMeters"`
	PriorityScore      float64       `json:"priorityScore"`
	PriorityLabel      PriorityLabel `json:"priorityLabel"`
	Core20             bool          `json:"core20"`
	ActualArrival      *time.Time    `json:"actualArrival,omitempty"`
	ActualDeparture    *time.Time    `json:"actualDeparture,omitempty"`
	Status             StopStatus    `json:"status"`
	Notes              string        `json:"notes,omitempty"`
}

// RouteAssignment is one resource's route within a plan.
type RouteAssignment struct {
	ID                   string      `json:"id"`
	ResourceID           string      `json:"resourceId"`
	SequenceCount        int         `json:"sequenceCount"`
	TotalDistanceKm      float64     `json:"totalDistanceKm"`
	TotalDurationMinutes int         `json:"totalDurationMinutes"`
	EstimatedStart       time.Time   `json:"estimatedStartTime"`
	EstimatedEnd         time.Time   `json:"estimatedEndTime"`
	TotalPriorityScore   float64     `json:"totalPriorityScore"`
	Core20VisitsCount    int         `json:"core20VisitsCount"`
	Stops                []RouteStop `json:"stops"`
}

// RoutePlan is one optimization run for one date.
type RoutePlan struct {
	ID                   string            `json:"id"`
	PlanDate             string            `json:"planDate"`
	TeamID               string            `json:"teamId,omitempty"`
	Status               PlanStatus        `json:"status"`
	Version              int               `json:"version"`
	LocationIDs          []string          `json:"visitLocationIds"`
	ResourceIDs          []string          `json:"resourceIds"`
	OptimizationConfig   *OptimizeConfig   `json:"optimizationConfig,omitempty"`
	TotalResources       int               `json:"totalResources"`
	TotalVisits          int               `json:"totalVisits"`
	TotalDistanceKm      float64           `json:"totalDistanceKm"`
	TotalDurationMinutes int               `json:"totalDurationMinutes"`
	EquityCoverageScore  *float64          `json:"equityCoverageScore,omitempty"`
	Coverage             *Coverage         `json:"coverage,omitempty"`
	Unassigned           []Unassigned      `json:"unassigned,omitempty"`
	Assignments          []RouteAssignment `json:"assignments,omitempty"`
	OptimizedAt          *time.Time        `json:"optimizedAt,omitempty"`
	ApprovedAt           *time.Time        `json:"approvedAt,omitempty"`
	ApprovedBy           string            `json:"approvedBy,omitempty"`
	StartedAt            *time.Time        `json:"startedAt,omitempty"`
	CompletedAt          *time.Time        `json:"completedAt,omitempty"`
	CreatedAt            time.Time         `json:"createdAt"`
}

// PlanResult is what an optimize run commits onto a plan.
type PlanResult struct {
	Assignments          []RouteAssignment
	Unassigned           []Unassigned
	Coverage             Coverage
	Config               OptimizeConfig
	TotalDistanceKm      float64
	TotalDurationMinutes int
	OptimizedAt          time.Time
}

// StopUpdate is a field-execution change to a stop.
type StopUpdate struct {
	Status          StopStatus `json:"status"`
	ActualArrival   *time.Time `json:"actualArrival,omitempty"`
	ActualDeparture *time.Time `json:"actualDeparture,omitempty"`
	Notes           *string    `json:"notes,omitempty"`
}
