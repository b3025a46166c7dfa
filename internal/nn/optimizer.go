package nn

import (
	"fmt"
	"math"
)

// OptimizerSpec names an optimizer and its learning rate.
type OptimizerSpec struct {
	Name         string  `yaml:"name"`
	LearningRate float64 `yaml:"learningRate"`
}

// Optimizer applies accumulated gradients to parameters.
type Optimizer interface {
	// Step updates every parameter from Grad*scale and clears Grad.
	Step(params []*Param, scale float64)
}

// NewOptimizer builds "rmsprop", "adam" or "sgd" with Keras default
// hyper-parameters. A zero learning rate selects the optimizer's default.
func NewOptimizer(spec OptimizerSpec) (Optimizer, error) {
	lr := spec.LearningRate
	switch spec.Name {
	case "rmsprop", "":
		if lr == 0 {
			lr = 0.001
		}
		return &RMSprop{LR: lr, Rho: 0.9, Eps: 1e-7, cache: map[*Param][]float64{}}, nil
	case "adam":
		if lr == 0 {
			lr = 0.001
		}
		return &Adam{LR: lr, Beta1: 0.9, Beta2: 0.999, Eps: 1e-7, m: map[*Param][]float64{}, v: map[*Param][]float64{}}, nil
	case "sgd":
		if lr == 0 {
			lr = 0.01
		}
		return &SGD{LR: lr}, nil
	}
	return nil, fmt.Errorf("nn: unknown optimizer %q", spec.Name)
}

// SGD is plain gradient descent.
type SGD struct{ LR float64 }

func (o *SGD) Step(params []*Param, scale float64) {
	for _, p := range params {
		for i, g := range p.Grad {
			p.Value[i] -= o.LR * g * scale
			p.Grad[i] = 0
		}
	}
}

// RMSprop divides the step by a running RMS of recent gradients.
type RMSprop struct {
	LR, Rho, Eps float64
	cache        map[*Param][]float64
}

func (o *RMSprop) Step(params []*Param, scale float64) {
	for _, p := range params {
		c, ok := o.cache[p]
		if !ok {
			c = make([]float64, len(p.Value))
			o.cache[p] = c
		}
		for i, g := range p.Grad {
			g *= scale
			c[i] = o.Rho*c[i] + (1-o.Rho)*g*g
			p.Value[i] -= o.LR * g / (math.Sqrt(c[i]) + o.Eps)
			p.Grad[i] = 0
		}
	}
}

// Adam keeps per-parameter first and second moment estimates.
type Adam struct {
	LR, Beta1, Beta2, Eps float64
	t                     int
	m, v                  map[*Param][]float64
}

func (o *Adam) Step(params []*Param, scale float64) {
	o.t++
	c1 := 1 - math.Pow(o.Beta1, float64(o.t))
	c2 := 1 - math.Pow(o.Beta2, float64(o.t))
	for _, p := range params {
		m, ok := o.m[p]
		if !ok {
			m = make([]float64, len(p.Value))
			o.m[p] = m
			o.v[p] = make([]float64, len(p.Value))
		}
		v := o.v[p]
		for i, g := range p.Grad {
			g *= scale
			m[i] = o.Beta1*m[i] + (1-o.Beta1)*g
			v[i] = o.Beta2*v[i] + (1-o.Beta2)*g*g
			p.Value[i] -= o.LR * (m[i] / c1) / (math.Sqrt(v[i]/c2) + o.Eps)
			p.Grad[i] = 0
		}
	}
}
